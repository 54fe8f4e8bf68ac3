package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

// ErrNoEngine is returned when no engine command is configured
var ErrNoEngine = errors.New("transcription engine not configured")

// ExecTranscriber runs an external command per task and parses the
// transcript from its stdout as JSON. The command is invoked as:
//
//	<command> --input PATH --language LANG --model SIZE [--diarize]
type ExecTranscriber struct {
	command string
	logger  zerolog.Logger
}

// NewExecTranscriber creates a bridge to the given engine command.
// An empty command yields a transcriber whose calls fail with ErrNoEngine.
func NewExecTranscriber(command string) *ExecTranscriber {
	return &ExecTranscriber{
		command: command,
		logger:  log.WithComponent("transcriber"),
	}
}

// TranscribeSimple runs the engine without diarization
func (t *ExecTranscriber) TranscribeSimple(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
	return t.run(ctx, path, language, size, false)
}

// TranscribeWithDiarization runs the engine with speaker diarization
func (t *ExecTranscriber) TranscribeWithDiarization(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
	return t.run(ctx, path, language, size, true)
}

func (t *ExecTranscriber) run(ctx context.Context, path, language string, size types.ModelSize, diarize bool) (*types.Result, error) {
	if t.command == "" {
		return nil, ErrNoEngine
	}

	args := []string{"--input", path, "--language", language, "--model", string(size)}
	if diarize {
		args = append(args, "--diarize")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug().Str("path", path).Str("model", string(size)).Bool("diarize", diarize).Msg("invoking engine")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("engine failed: %s", msg)
	}

	var result types.Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse engine output: %w", err)
	}
	return &result, nil
}
