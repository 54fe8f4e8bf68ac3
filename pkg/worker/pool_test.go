package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanSolovey/transcription-api/pkg/auth"
	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/models"
	"github.com/IvanSolovey/transcription-api/pkg/queue"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/transcriber"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

type fixture struct {
	store *storage.SQLiteStore
	keys  *auth.Manager
	pool  *Pool
}

func newFixture(t *testing.T, engine transcriber.Transcriber, timeout time.Duration) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	keys := auth.NewManager(store)
	mm := models.NewManager(models.Config{
		AvailableMemory: func() uint64 { return 16 << 30 },
		TotalMemory:     func() uint64 { return 16 << 30 },
	})
	q := queue.New(25)

	pool := NewPool(store, keys, mm, engine, q, Config{
		Workers:     1,
		TaskTimeout: timeout,
	})
	return &fixture{store: store, keys: keys, pool: pool}
}

func (f *fixture) createTask(t *testing.T, id string) *types.TaskHandle {
	t.Helper()

	require.NoError(t, f.store.CreateAPIKey(&types.APIKey{
		Key:        "key-1",
		ClientName: "test",
		Active:     true,
	}))
	require.NoError(t, f.store.CreateTask(&types.Task{
		ID:        id,
		APIKey:    "key-1",
		Filename:  "audio.mp3",
		ModelSize: types.ModelAuto,
	}))

	staged := filepath.Join(t.TempDir(), "staged.mp3")
	require.NoError(t, os.WriteFile(staged, []byte("fake audio"), 0o600))

	return &types.TaskHandle{
		TaskID:     id,
		StagedPath: staged,
		Language:   "uk",
		ModelSize:  types.ModelAuto,
		APIKey:     "key-1",
	}
}

func stubEngine(result *types.Result, err error) transcriber.Transcriber {
	fn := func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
		return result, err
	}
	return transcriber.Funcs{Simple: fn, Diarize: fn}
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t, stubEngine(&types.Result{Text: "hello", Duration: 12.5, Language: "uk"}, nil), time.Minute)
	handle := f.createTask(t, "task-1")

	f.pool.process(log.WithWorker(1), handle)

	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.DurationSec)
	assert.Equal(t, 12.5, *task.DurationSec)
	require.NotNil(t, task.ResultJSON)
	assert.Contains(t, *task.ResultJSON, `"text":"hello"`)

	// Staged file is gone and usage counted as a success
	_, err = os.Stat(handle.StagedPath)
	assert.True(t, os.IsNotExist(err))

	key, err := f.store.GetAPIKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.SuccessfulRequests)
	assert.Equal(t, int64(0), key.FailedRequests)
}

func TestProcessFailure(t *testing.T) {
	f := newFixture(t, stubEngine(nil, assert.AnError), time.Minute)
	handle := f.createTask(t, "task-1")

	f.pool.process(log.WithWorker(1), handle)

	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, assert.AnError.Error(), *task.ErrorMessage)

	_, err = os.Stat(handle.StagedPath)
	assert.True(t, os.IsNotExist(err))

	key, err := f.store.GetAPIKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), key.SuccessfulRequests)
	assert.Equal(t, int64(1), key.FailedRequests)
}

func TestProcessTimeout(t *testing.T) {
	blocking := transcriber.Funcs{
		Simple: func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Diarize: func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, blocking, 50*time.Millisecond)
	handle := f.createTask(t, "task-1")

	f.pool.process(log.WithWorker(1), handle)

	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, timeoutMessage, *task.ErrorMessage)

	_, err = os.Stat(handle.StagedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessSkipsCancelledTask(t *testing.T) {
	f := newFixture(t, stubEngine(&types.Result{Text: "hello"}, nil), time.Minute)
	handle := f.createTask(t, "task-1")

	cancelled, err := f.store.CancelIfQueued("task-1")
	require.NoError(t, err)
	require.True(t, cancelled)

	f.pool.process(log.WithWorker(1), handle)

	// Terminal state untouched, staged file cleaned up, no usage recorded
	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
	assert.Nil(t, task.ResultJSON)

	_, err = os.Stat(handle.StagedPath)
	assert.True(t, os.IsNotExist(err))

	key, err := f.store.GetAPIKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), key.TotalRequests)
}

func TestPoolDrainsQueue(t *testing.T) {
	f := newFixture(t, stubEngine(&types.Result{Text: "hello", Duration: 1}, nil), time.Minute)
	handle := f.createTask(t, "task-1")

	require.NoError(t, f.pool.queue.TryEnqueue(handle))
	f.pool.Start()
	defer f.pool.Stop()

	require.Eventually(t, func() bool {
		task, err := f.store.GetTask("task-1")
		return err == nil && task.Status == types.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
