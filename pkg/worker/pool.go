// Package worker runs the fixed pool of transcription workers. Each worker
// dequeues a handle, claims the task, runs the engine under the wall-clock
// timeout, persists the terminal state, records usage, and cleans up the
// staged input file.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanSolovey/transcription-api/pkg/auth"
	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/metrics"
	"github.com/IvanSolovey/transcription-api/pkg/models"
	"github.com/IvanSolovey/transcription-api/pkg/queue"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/transcriber"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

// timeoutMessage is the stable error recorded when a task exceeds the
// wall-clock cap
const timeoutMessage = "Exceeded processing time (2 hours)"

// idleWake bounds how long a worker blocks on an empty queue before
// running a memory-reclaim pass
const idleWake = 30 * time.Second

var errTimeout = errors.New("task timed out")

// Config configures a Pool
type Config struct {
	Workers     int
	TaskTimeout time.Duration
	Device      string
}

// Pool is a fixed set of long-lived workers draining the queue
type Pool struct {
	store  storage.Store
	keys   *auth.Manager
	models *models.Manager
	engine transcriber.Transcriber
	queue  *queue.Queue

	workers     int
	taskTimeout time.Duration
	device      string

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool creates a worker pool
func NewPool(store storage.Store, keys *auth.Manager, mm *models.Manager, engine transcriber.Transcriber, q *queue.Queue, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	return &Pool{
		store:       store,
		keys:        keys,
		models:      mm,
		engine:      engine,
		queue:       q,
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		device:      cfg.Device,
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("worker"),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")
}

// Stop asks the workers to exit and waits for in-flight tasks to finish
// or time out
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := log.WithWorker(id)
	logger.Info().Msg("worker started")

	for {
		select {
		case <-p.stopCh:
			logger.Info().Msg("worker stopping")
			return
		default:
		}

		handle, ok := p.queue.Dequeue(p.stopCh, idleWake)
		if !ok {
			// Idle wake: return freed task memory to the OS
			debug.FreeOSMemory()
			continue
		}

		metrics.WorkersBusy.Inc()
		p.process(logger, handle)
		metrics.WorkersBusy.Dec()
		debug.FreeOSMemory()
	}
}

// process owns the handle from dequeue to terminal state. The staged file
// is removed on every exit path except a failed success-persist, where it
// is deliberately retained for operator recovery.
func (p *Pool) process(logger zerolog.Logger, handle *types.TaskHandle) {
	logger = logger.With().Str("task_id", handle.TaskID).Logger()

	claimed, err := p.store.ClaimForProcessing(handle.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim task; staged file retained")
		return
	}
	if !claimed {
		// Cancelled (or otherwise no longer queued) between enqueue and
		// dequeue: skip the work.
		logger.Info().Msg("task no longer queued, skipping")
		metrics.TasksSkipped.Inc()
		p.removeStaged(logger, handle.StagedPath)
		return
	}

	start := time.Now()
	result, err := p.transcribe(handle)
	elapsed := time.Since(start).Seconds()
	metrics.ProcessingDuration.Observe(elapsed)

	switch {
	case errors.Is(err, errTimeout):
		logger.Error().Msg("task exceeded processing time limit")
		metrics.TasksTimedOut.Inc()
		p.fail(logger, handle, timeoutMessage, elapsed)

	case err != nil:
		logger.Error().Err(err).Msg("transcription failed")
		p.fail(logger, handle, err.Error(), elapsed)

	default:
		resultJSON, err := json.Marshal(result)
		if err != nil {
			p.fail(logger, handle, fmt.Sprintf("failed to encode result: %v", err), elapsed)
			return
		}
		if err := p.store.MarkCompleted(handle.TaskID, result.Duration, string(resultJSON)); err != nil {
			// The work is done but cannot be proven durably. Keep the
			// staged file so the task can be recovered by an operator.
			logger.Error().Err(err).Str("staged", handle.StagedPath).
				Msg("failed to persist completed task; staged file retained")
			return
		}
		p.removeStaged(logger, handle.StagedPath)
		p.keys.LogUsage(handle.APIKey, true, elapsed)
		metrics.TasksCompleted.Inc()
		logger.Info().Float64("duration_sec", result.Duration).Msg("task completed")
	}
}

func (p *Pool) fail(logger zerolog.Logger, handle *types.TaskHandle, message string, elapsed float64) {
	if err := p.store.MarkFailed(handle.TaskID, message); err != nil {
		logger.Error().Err(err).Msg("failed to persist failed task")
	}
	p.removeStaged(logger, handle.StagedPath)
	p.keys.LogUsage(handle.APIKey, false, elapsed)
	metrics.TasksFailed.Inc()
}

// transcribe runs the engine under the wall-clock timeout, loading the
// requested model first unless the task asked for automatic selection
func (p *Pool) transcribe(handle *types.TaskHandle) (*types.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	if handle.ModelSize != types.ModelAuto {
		if _, err := p.models.LoadModel(handle.ModelSize, p.device, false); err != nil {
			return nil, err
		}
	}

	type outcome struct {
		result *types.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var r *types.Result
		var err error
		if handle.HasDiarization {
			r, err = p.engine.TranscribeWithDiarization(ctx, handle.StagedPath, handle.Language, handle.ModelSize)
		} else {
			r, err = p.engine.TranscribeSimple(ctx, handle.StagedPath, handle.Language, handle.ModelSize)
		}
		done <- outcome{r, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errTimeout
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			return nil, errTimeout
		}
		return out.result, out.err
	}
}

func (p *Pool) removeStaged(logger zerolog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("staged", path).Msg("failed to remove staged file")
	}
}
