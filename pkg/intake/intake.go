// Package intake validates transcription requests, stages their input to a
// local file, persists the task, and admits it to the queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
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

// User-facing rejection messages
const (
	msgNoInput      = "Either a file or URL must be provided"
	msgBothInputs   = "Provide either a file or a URL, not both"
	msgBadModelSize = "Model size must be one of: tiny, base, small, medium, large, auto"
	msgOverloaded   = "Server overloaded. Please try again later."
)

// Error is a rejection carrying the HTTP status the front door should use
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Request is one submission, after the transport layer has parsed it.
// Exactly one of File or URL must be set.
type Request struct {
	File     io.Reader
	FileName string
	URL      string

	Language       string
	ModelSize      string
	UseDiarization bool
	APIKey         string
}

// Submission acknowledges an admitted task
type Submission struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Config configures a Service
type Config struct {
	// StagingDir holds staged inputs; empty means the OS temp directory
	StagingDir string

	// DefaultLanguage is applied when a request omits the language
	DefaultLanguage string

	// Device is passed to the model manager for synchronous requests
	Device string
}

// Service performs validation, staging, persistence and admission
type Service struct {
	store  storage.Store
	keys   *auth.Manager
	models *models.Manager
	engine transcriber.Transcriber
	queue  *queue.Queue

	stagingDir      string
	defaultLanguage string
	device          string
	client          *http.Client
	logger          zerolog.Logger
}

// NewService creates an intake service
func NewService(store storage.Store, keys *auth.Manager, mm *models.Manager, engine transcriber.Transcriber, q *queue.Queue, cfg Config) *Service {
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	return &Service{
		store:           store,
		keys:            keys,
		models:          mm,
		engine:          engine,
		queue:           q,
		stagingDir:      cfg.StagingDir,
		defaultLanguage: cfg.DefaultLanguage,
		device:          cfg.Device,
		client:          &http.Client{Timeout: 10 * time.Minute},
		logger:          log.WithComponent("intake"),
	}
}

// Validate checks the request shape and the memory gate. Returns the
// normalized model size.
func (s *Service) Validate(req *Request) (types.ModelSize, *Error) {
	if req.File == nil && req.URL == "" {
		return "", &Error{Status: http.StatusBadRequest, Detail: msgNoInput}
	}
	if req.File != nil && req.URL != "" {
		return "", &Error{Status: http.StatusBadRequest, Detail: msgBothInputs}
	}

	size := types.ModelSize(req.ModelSize)
	if !size.Valid() {
		return "", &Error{Status: http.StatusBadRequest, Detail: msgBadModelSize}
	}

	if size != types.ModelAuto {
		if ok, reason := s.models.CanLoadModel(size); !ok {
			return "", &Error{
				Status: http.StatusInsufficientStorage,
				Detail: fmt.Sprintf(
					"Insufficient memory for model '%s': %s. Try a smaller model or wait for current tasks to complete.",
					size, reason,
				),
			}
		}
	}
	return size, nil
}

// Submit runs the full intake path: validate, admission guard, stage,
// persist, enqueue. The task row exists if and only if the submission is
// acknowledged; the staged file is removed on every rejection path.
func (s *Service) Submit(req *Request) (*Submission, *Error) {
	size, ierr := s.Validate(req)
	if ierr != nil {
		return nil, ierr
	}

	// Refuse before staging or persisting anything, so a rejected
	// submission leaves no task row and no temp file behind.
	if s.queue.AtSoftLimit() {
		return nil, &Error{Status: http.StatusServiceUnavailable, Detail: msgOverloaded}
	}

	stagedPath, fileName, ierr := s.Stage(req)
	if ierr != nil {
		return nil, ierr
	}

	language := req.Language
	if language == "" {
		language = s.defaultLanguage
	}

	taskID := uuid.NewString()
	task := &types.Task{
		ID:             taskID,
		APIKey:         req.APIKey,
		Filename:       fileName,
		ModelSize:      size,
		HasDiarization: req.UseDiarization,
	}
	if err := s.store.CreateTask(task); err != nil {
		s.removeStaged(stagedPath)
		s.logger.Error().Err(err).Msg("failed to persist task")
		return nil, &Error{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err)}
	}

	handle := &types.TaskHandle{
		TaskID:         taskID,
		StagedPath:     stagedPath,
		Language:       language,
		ModelSize:      size,
		HasDiarization: req.UseDiarization,
		APIKey:         req.APIKey,
	}
	// The reserved slots above the soft limit make this effectively
	// non-failing; hitting the hard cap means the admission race was lost.
	if err := s.queue.Enqueue(handle); err != nil {
		s.removeStaged(stagedPath)
		if _, cerr := s.store.CancelIfQueued(taskID); cerr != nil {
			s.logger.Error().Err(cerr).Str("task_id", taskID).Msg("failed to cancel unadmitted task")
		}
		return nil, &Error{Status: http.StatusServiceUnavailable, Detail: msgOverloaded}
	}

	metrics.TasksSubmitted.Inc()
	s.logger.Info().Str("task_id", taskID).Str("file", fileName).Msg("task queued")

	return &Submission{
		TaskID:  taskID,
		Status:  string(types.TaskStatusQueued),
		Message: fmt.Sprintf("File %s queued for processing. Use /task/%s to track progress.", fileName, taskID),
	}, nil
}

// TranscribeSync runs the diarized transcription inline, bypassing the
// queue. No task row is created; usage is still logged and the staged file
// is removed on every path.
func (s *Service) TranscribeSync(ctx context.Context, req *Request) (*types.Result, *Error) {
	size, ierr := s.Validate(req)
	if ierr != nil {
		return nil, ierr
	}

	stagedPath, _, ierr := s.Stage(req)
	if ierr != nil {
		return nil, ierr
	}
	defer s.removeStaged(stagedPath)

	language := req.Language
	if language == "" {
		language = s.defaultLanguage
	}

	if size != types.ModelAuto {
		if _, err := s.models.LoadModel(size, s.device, false); err != nil {
			var memErr *models.InsufficientMemoryError
			if errors.As(err, &memErr) {
				return nil, &Error{Status: http.StatusInsufficientStorage, Detail: "Insufficient memory: " + memErr.Reason}
			}
			return nil, &Error{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err)}
		}
	}

	start := time.Now()
	result, err := s.engine.TranscribeWithDiarization(ctx, stagedPath, language, size)
	s.keys.LogUsage(req.APIKey, err == nil, time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err)}
	}
	return result, nil
}

// Stage writes the request's input to a fresh temp file and returns its
// path plus the client-visible file name. The caller owns the file.
func (s *Service) Stage(req *Request) (string, string, *Error) {
	if req.File != nil {
		path, err := s.stageUpload(req.File, req.FileName)
		if err != nil {
			return "", "", &Error{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err)}
		}
		return path, req.FileName, nil
	}
	return s.stageURL(req.URL)
}

// stageUpload copies the uploaded bytes into a temp file whose suffix
// preserves the last dotted token of the original name
func (s *Service) stageUpload(r io.Reader, fileName string) (string, error) {
	parts := strings.Split(fileName, ".")
	suffix := "." + parts[len(parts)-1]

	f, err := os.CreateTemp(s.stagingDir, "upload-*"+suffix)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	return f.Name(), nil
}

// stageURL streams the remote file into a temp file. Redirects are
// followed; no credentials are forwarded.
func (s *Service) stageURL(rawURL string) (string, string, *Error) {
	downloadErr := func(err error) *Error {
		return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf("File download failed: %v", err)}
	}

	resp, err := s.client.Get(rawURL)
	if err != nil {
		return "", "", downloadErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", "", downloadErr(fmt.Errorf("unexpected status %s", resp.Status))
	}

	f, err := os.CreateTemp(s.stagingDir, "download-*.tmp")
	if err != nil {
		return "", "", &Error{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err)}
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", "", downloadErr(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", "", &Error{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err)}
	}

	return f.Name(), urlFileName(rawURL), nil
}

// urlFileName derives the client-visible name from the URL path
func urlFileName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "downloaded_file"
}

func (s *Service) removeStaged(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("staged", path).Msg("failed to remove staged file")
	}
}
