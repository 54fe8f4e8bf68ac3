package intake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanSolovey/transcription-api/pkg/auth"
	"github.com/IvanSolovey/transcription-api/pkg/models"
	"github.com/IvanSolovey/transcription-api/pkg/queue"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/transcriber"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

type env struct {
	service    *Service
	store      *storage.SQLiteStore
	queue      *queue.Queue
	stagingDir string
}

func newEnv(t *testing.T, queueCapacity int, strict bool, availableGB float64) *env {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateAPIKey(&types.APIKey{
		Key:        "key-1",
		ClientName: "test",
		Active:     true,
	}))

	keys := auth.NewManager(store)
	mm := models.NewManager(models.Config{
		Strict:          strict,
		AvailableMemory: func() uint64 { return uint64(availableGB * (1 << 30)) },
		TotalMemory:     func() uint64 { return 16 << 30 },
	})
	q := queue.New(queueCapacity)

	engine := transcriber.Funcs{
		Simple: func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
			return &types.Result{Text: "hello", Duration: 1, Language: language}, nil
		},
		Diarize: func(ctx context.Context, path, language string, size types.ModelSize) (*types.Result, error) {
			return &types.Result{Text: "hello", Duration: 1, Language: language, DiarizationType: "standard"}, nil
		},
	}

	stagingDir := t.TempDir()
	svc := NewService(store, keys, mm, engine, q, Config{
		StagingDir:      stagingDir,
		DefaultLanguage: "uk",
	})
	return &env{service: svc, store: store, queue: q, stagingDir: stagingDir}
}

func fileRequest(name string) *Request {
	return &Request{
		File:      strings.NewReader("fake audio bytes"),
		FileName:  name,
		ModelSize: "large",
		APIKey:    "key-1",
	}
}

func (e *env) stagedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.stagingDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestValidateRejectsBadRequests(t *testing.T) {
	e := newEnv(t, 25, false, 16)

	_, ierr := e.service.Validate(&Request{ModelSize: "large"})
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusBadRequest, ierr.Status)
	assert.Equal(t, "Either a file or URL must be provided", ierr.Detail)

	_, ierr = e.service.Validate(&Request{
		File:      strings.NewReader("x"),
		URL:       "http://example.com/a.mp3",
		ModelSize: "large",
	})
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusBadRequest, ierr.Status)
	assert.Equal(t, "Provide either a file or a URL, not both", ierr.Detail)

	_, ierr = e.service.Validate(&Request{
		File:      strings.NewReader("x"),
		ModelSize: "enormous",
	})
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusBadRequest, ierr.Status)
	assert.Equal(t, "Model size must be one of: tiny, base, small, medium, large, auto", ierr.Detail)
}

func TestValidateMemoryGate(t *testing.T) {
	e := newEnv(t, 25, true, 1)

	_, ierr := e.service.Validate(fileRequest("audio.mp3"))
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusInsufficientStorage, ierr.Status)
	assert.Contains(t, ierr.Detail, "Insufficient memory for model 'large':")
	assert.Contains(t, ierr.Detail, "Try a smaller model or wait for current tasks to complete.")

	// Automatic selection bypasses the gate
	req := fileRequest("audio.mp3")
	req.ModelSize = "auto"
	size, ierr := e.service.Validate(req)
	assert.Nil(t, ierr)
	assert.Equal(t, types.ModelAuto, size)
}

func TestSubmitQueuesTask(t *testing.T) {
	e := newEnv(t, 25, false, 16)

	sub, ierr := e.service.Submit(fileRequest("meeting.mp3"))
	require.Nil(t, ierr)
	assert.NotEmpty(t, sub.TaskID)
	assert.Equal(t, "queued", sub.Status)
	assert.Equal(t,
		"File meeting.mp3 queued for processing. Use /task/"+sub.TaskID+" to track progress.",
		sub.Message)

	task, err := e.store.GetTask(sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, "meeting.mp3", task.Filename)

	// The handle in the queue points at the staged copy of the upload
	assert.Equal(t, 1, e.queue.Len())
	stopCh := make(chan struct{})
	handle, ok := e.queue.Dequeue(stopCh, time.Second)
	require.True(t, ok)
	assert.Equal(t, sub.TaskID, handle.TaskID)
	assert.Equal(t, "uk", handle.Language)
	assert.True(t, strings.HasSuffix(handle.StagedPath, ".mp3"))

	data, err := os.ReadFile(handle.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, "fake audio bytes", string(data))
}

func TestSubmitOverloadedLeavesNoTrace(t *testing.T) {
	// Capacity 6 leaves a soft limit of 1: one parked handle closes admission
	e := newEnv(t, 6, false, 16)
	require.NoError(t, e.queue.TryEnqueue(&types.TaskHandle{TaskID: "parked"}))

	_, ierr := e.service.Submit(fileRequest("audio.mp3"))
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusServiceUnavailable, ierr.Status)
	assert.Equal(t, "Server overloaded. Please try again later.", ierr.Detail)

	// No task row and no staged file were created for the refused submission
	tasks, err := e.store.ListTasks(10, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, e.stagedFiles(t))
}

func TestSubmitFromURL(t *testing.T) {
	e := newEnv(t, 25, false, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote audio bytes"))
	}))
	defer srv.Close()

	req := &Request{
		URL:       srv.URL + "/media/interview.mp3",
		ModelSize: "large",
		APIKey:    "key-1",
	}
	sub, ierr := e.service.Submit(req)
	require.Nil(t, ierr)

	task, err := e.store.GetTask(sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "interview.mp3", task.Filename)

	stopCh := make(chan struct{})
	handle, ok := e.queue.Dequeue(stopCh, time.Second)
	require.True(t, ok)
	data, err := os.ReadFile(handle.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, "remote audio bytes", string(data))
}

func TestSubmitFromURLDownloadFailure(t *testing.T) {
	e := newEnv(t, 25, false, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	req := &Request{URL: srv.URL + "/missing.mp3", ModelSize: "large", APIKey: "key-1"}
	_, ierr := e.service.Submit(req)
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusBadRequest, ierr.Status)
	assert.Contains(t, ierr.Detail, "File download failed:")

	tasks, err := e.store.ListTasks(10, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, e.stagedFiles(t))
}

func TestTranscribeSync(t *testing.T) {
	e := newEnv(t, 25, false, 16)

	req := fileRequest("call.mp3")
	result, ierr := e.service.TranscribeSync(context.Background(), req)
	require.Nil(t, ierr)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "standard", result.DiarizationType)

	// No task row; the staged copy is removed after the inline run
	tasks, err := e.store.ListTasks(10, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, e.stagedFiles(t))

	// The inline path still bills the key
	key, err := e.store.GetAPIKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.SuccessfulRequests)
}

func TestURLFileName(t *testing.T) {
	assert.Equal(t, "talk.mp3", urlFileName("https://example.com/media/talk.mp3?sig=abc"))
	assert.Equal(t, "downloaded_file", urlFileName("https://example.com/"))
	assert.Equal(t, "downloaded_file", urlFileName("https://example.com"))
}
