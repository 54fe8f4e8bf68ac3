// Package transcriber defines the contract with the external
// speech-recognition engine and ships a subprocess-based bridge to it.
package transcriber

import (
	"context"

	"github.com/IvanSolovey/transcription-api/pkg/types"
)

// Transcriber turns a staged local file into a transcript. Implementations
// must honor context cancellation; the worker pool enforces the per-task
// wall-clock timeout through it.
type Transcriber interface {
	TranscribeSimple(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error)
	TranscribeWithDiarization(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error)
}

// Funcs adapts two functions to the Transcriber interface
type Funcs struct {
	Simple  func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error)
	Diarize func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error)
}

func (f Funcs) TranscribeSimple(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
	return f.Simple(ctx, path, language, size)
}

func (f Funcs) TranscribeWithDiarization(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
	return f.Diarize(ctx, path, language, size)
}
