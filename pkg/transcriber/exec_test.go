package transcriber

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanSolovey/transcription-api/pkg/types"
)

func TestExecTranscriberWithoutCommand(t *testing.T) {
	tr := NewExecTranscriber("")

	_, err := tr.TranscribeSimple(context.Background(), "/tmp/a.mp3", "uk", types.ModelBase)
	assert.ErrorIs(t, err, ErrNoEngine)
	_, err = tr.TranscribeWithDiarization(context.Background(), "/tmp/a.mp3", "uk", types.ModelBase)
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestExecTranscriberMissingBinary(t *testing.T) {
	tr := NewExecTranscriber("/nonexistent/engine")

	_, err := tr.TranscribeSimple(context.Background(), "/tmp/a.mp3", "uk", types.ModelBase)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine failed")
}

func TestExecTranscriberCancelledContext(t *testing.T) {
	tr := NewExecTranscriber("/nonexistent/engine")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.TranscribeSimple(ctx, "/tmp/a.mp3", "uk", types.ModelBase)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFuncsAdapter(t *testing.T) {
	var gotDiarize bool
	fns := Funcs{
		Simple: func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
			return &types.Result{Text: "simple"}, nil
		},
		Diarize: func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
			gotDiarize = true
			return &types.Result{Text: "diarized"}, nil
		},
	}

	r, err := fns.TranscribeSimple(context.Background(), "a", "uk", types.ModelTiny)
	require.NoError(t, err)
	assert.Equal(t, "simple", r.Text)

	r, err = fns.TranscribeWithDiarization(context.Background(), "a", "uk", types.ModelTiny)
	require.NoError(t, err)
	assert.Equal(t, "diarized", r.Text)
	assert.True(t, gotDiarize)
}
