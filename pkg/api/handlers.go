package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/IvanSolovey/transcription-api/pkg/intake"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

const timestampLayout = "2006-01-02 15:04:05"

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timestampLayout)
	return &s
}

// taskView renders one task for API responses, including the synthetic
// progress value (100 iff completed) and the decoded result
func (s *Server) taskView(t *types.Task) gin.H {
	progress := 0
	if t.Status == types.TaskStatusCompleted {
		progress = 100
	}

	var result any
	if t.ResultJSON != nil {
		if err := json.Unmarshal([]byte(*t.ResultJSON), &result); err != nil {
			result = nil
		}
	}

	return gin.H{
		"task_id":         t.ID,
		"status":          t.Status,
		"created_at":      t.CreatedAt.UTC().Format(timestampLayout),
		"started_at":      formatTime(t.StartedAt),
		"completed_at":    formatTime(t.CompletedAt),
		"progress":        progress,
		"result":          result,
		"error":           t.ErrorMessage,
		"file_name":       t.Filename,
		"language":        s.defaultLanguage,
		"model_size":      t.ModelSize,
		"use_diarization": t.HasDiarization,
		"api_key":         t.APIKey,
	}
}

// buildIntakeRequest parses the shared multipart submission form
func (s *Server) buildIntakeRequest(c *gin.Context) (*intake.Request, func(), error) {
	req := &intake.Request{
		URL:       c.PostForm("url"),
		Language:  c.PostForm("language"),
		ModelSize: c.PostForm("model_size"),
		APIKey:    contextAPIKey(c),
	}
	if req.ModelSize == "" {
		req.ModelSize = s.defaultModelSize
	}
	req.UseDiarization = c.PostForm("use_diarization") == "true"

	cleanup := func() {}
	fileHeader, err := c.FormFile("file")
	if err == nil && fileHeader != nil {
		f, err := fileHeader.Open()
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open uploaded file: %w", err)
		}
		req.File = f
		req.FileName = fileHeader.Filename
		cleanup = func() { _ = f.Close() }
	}
	return req, cleanup, nil
}

// handleTranscribe implements POST /transcribe
func (s *Server) handleTranscribe(c *gin.Context) {
	req, cleanup, err := s.buildIntakeRequest(c)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	defer cleanup()

	submission, ierr := s.intake.Submit(req)
	if ierr != nil {
		abortWithDetail(c, ierr.Status, ierr.Detail)
		return
	}
	c.JSON(http.StatusOK, submission)
}

// handleTranscribeSync implements POST /transcribe-with-diarization
func (s *Server) handleTranscribeSync(c *gin.Context) {
	req, cleanup, err := s.buildIntakeRequest(c)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	defer cleanup()
	req.UseDiarization = true

	result, ierr := s.intake.TranscribeSync(c.Request.Context(), req)
	if ierr != nil {
		abortWithDetail(c, ierr.Status, ierr.Detail)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleGetTask implements GET /task/:id
func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		abortWithDetail(c, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	c.JSON(http.StatusOK, s.taskView(task))
}

// handleCancelTask implements DELETE /task/:id. Only queued tasks may be
// cancelled; the worker that later dequeues the handle observes the
// terminal status and skips the work.
func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")

	task, err := s.store.GetTask(id)
	if errors.Is(err, storage.ErrNotFound) {
		abortWithDetail(c, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}

	if detail, blocked := cancelRefusal(task.Status); blocked {
		abortWithDetail(c, http.StatusBadRequest, detail)
		return
	}

	cancelled, err := s.store.CancelIfQueued(id)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", err))
		return
	}
	if !cancelled {
		// Lost the race with a worker claim or another cancel
		task, err := s.store.GetTask(id)
		if err == nil {
			if detail, blocked := cancelRefusal(task.Status); blocked {
				abortWithDetail(c, http.StatusBadRequest, detail)
				return
			}
		}
		abortWithDetail(c, http.StatusBadRequest, "Task cannot be cancelled")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Task %s was cancelled", id)})
}

func cancelRefusal(status types.TaskStatus) (string, bool) {
	switch status {
	case types.TaskStatusCompleted:
		return "Task already completed", true
	case types.TaskStatusProcessing:
		return "Task already processing and cannot be cancelled", true
	case types.TaskStatusFailed:
		return "Task already failed", true
	case types.TaskStatusCancelled:
		return "Task already cancelled", true
	}
	return "", false
}

// handleListTasks implements GET /tasks
func (s *Server) handleListTasks(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	status := types.TaskStatus(c.Query("status"))

	tasks, err := s.store.ListTasks(limit, status)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch task list: %v", err))
		return
	}

	views := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.taskView(t))
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":         views,
		"total":         len(views),
		"limit":         limit,
		"status_filter": nullableStatus(status),
	})
}

// handleMyTasks implements GET /my-tasks
func (s *Server) handleMyTasks(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		offset = 0
	}

	if limit > 200 {
		abortWithDetail(c, http.StatusBadRequest, "Maximum limit is 200")
		return
	}
	if offset < 0 {
		abortWithDetail(c, http.StatusBadRequest, "Offset must be >= 0")
		return
	}
	if limit < 1 {
		limit = 50
	}

	status := types.TaskStatus(c.Query("status"))
	key := contextAPIKey(c)

	tasks, total, err := s.store.ListTasksByKeyPaginated(key, status, limit, offset)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch history: %v", err))
		return
	}

	views := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.taskView(t))
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":         views,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
		"has_more":      total > offset+limit,
		"status_filter": nullableStatus(status),
	})
}

func nullableStatus(status types.TaskStatus) any {
	if status == "" {
		return nil
	}
	return status
}

// handleHealth implements GET /health
func (s *Server) handleHealth(c *gin.Context) {
	active, err := s.store.CountTasksByStatus(types.TaskStatusProcessing)
	if err != nil {
		active = -1
	}
	_, loaded := s.models.CurrentSize()

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": loaded,
		"queue_size":   s.queue.Len(),
		"active_tasks": active,
		"max_workers":  s.workers,
	})
}

// handleAPIInfo implements GET /api
func (s *Server) handleAPIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":     "Audio Transcription API",
		"version":     s.version,
		"description": "Asynchronous audio/video transcription with speaker-aware models",
		"endpoints": gin.H{
			"transcribe":                  "/transcribe (POST, requires API key, returns task_id)",
			"transcribe_with_diarization": "/transcribe-with-diarization (POST, requires API key)",
			"task_status":                 "/task/{task_id} (GET, public, check task status)",
			"list_tasks":                  "/tasks (GET, public, list all tasks with filtering)",
			"my_tasks":                    "/my-tasks (GET, requires API key, paginated history)",
			"cancel_task":                 "/task/{task_id} (DELETE, requires API key, cancel queued task)",
			"health":                      "/health (GET, public, includes queue status)",
			"metrics":                     "/metrics (GET, public, Prometheus format)",
			"admin_generate_key":          "/admin/generate-key (POST, requires master token)",
			"admin_delete_key":            "/admin/delete-key (POST, requires master token)",
			"admin_list_keys":             "/admin/list-keys (GET, requires master token)",
			"admin_update_notes":          "/admin/update-key-notes (POST, requires master token)",
			"admin_toggle_status":         "/admin/toggle-key-status (POST, requires master token)",
			"admin_key_details":           "/admin/key-details/{api_key} (GET, requires master token)",
			"admin_model_status":          "/admin/model-status (GET, requires master token)",
			"admin_unload_model":          "/admin/unload-model (POST, requires master token)",
			"admin_switch_model":          "/admin/switch-model/{size} (POST, requires master token)",
		},
		"model_sizes": []string{"tiny", "base", "small", "medium", "large", "auto"},
		"note":        "An API key is required. Contact the administrator to obtain one.",
	})
}
