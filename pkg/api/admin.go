package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/IvanSolovey/transcription-api/pkg/models"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

type generateKeyRequest struct {
	ClientName string `json:"client_name" binding:"required"`
}

type keyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

type updateNotesRequest struct {
	APIKey string `json:"api_key" binding:"required"`
	Notes  string `json:"notes"`
}

// keyView renders one API key with its derived average, computed in the
// read path and never stored
func keyView(k *types.APIKey) gin.H {
	avg := 0.0
	if k.TotalRequests > 0 {
		avg = k.TotalProcessingTime / float64(k.TotalRequests)
	}
	return gin.H{
		"key":                     k.Key,
		"client_name":             k.ClientName,
		"created_at":              k.CreatedAt.UTC().Format(timestampLayout),
		"active":                  k.Active,
		"usage_count":             k.UsageCount,
		"last_used":               formatTime(k.LastUsed),
		"total_requests":          k.TotalRequests,
		"successful_requests":     k.SuccessfulRequests,
		"failed_requests":         k.FailedRequests,
		"total_processing_time":   round2(k.TotalProcessingTime),
		"average_processing_time": round2(avg),
		"notes":                   k.Notes,
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// handleGenerateKey implements POST /admin/generate-key
func (s *Server) handleGenerateKey(c *gin.Context) {
	var req generateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, "client_name is required")
		return
	}

	key, err := s.keys.GenerateAPIKey(req.ClientName)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to generate API key: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"api_key":     key.Key,
		"client_name": key.ClientName,
		"created_at":  key.CreatedAt.UTC().Format(timestampLayout),
	})
}

// handleDeleteKey implements POST /admin/delete-key
func (s *Server) handleDeleteKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, "api_key is required")
		return
	}

	deleted, err := s.keys.DeleteKey(req.APIKey)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to delete API key: %v", err))
		return
	}
	if !deleted {
		abortWithDetail(c, http.StatusNotFound, "API key not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key deleted successfully"})
}

// handleListKeys implements GET /admin/list-keys (and GET /admin via the
// query-token variant)
func (s *Server) handleListKeys(c *gin.Context) {
	keys, err := s.keys.ListKeys()
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch API key list: %v", err))
		return
	}
	stats, err := s.keys.GetStats()
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch API key list: %v", err))
		return
	}

	views := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView(k))
	}
	c.JSON(http.StatusOK, gin.H{"keys": views, "stats": stats})
}

// handleToggleKeyStatus implements POST /admin/toggle-key-status
func (s *Server) handleToggleKeyStatus(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, "api_key is required")
		return
	}

	key, err := s.keys.ToggleKey(req.APIKey)
	if errors.Is(err, storage.ErrNotFound) {
		abortWithDetail(c, http.StatusNotFound, "API key not found")
		return
	}
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to change status: %v", err))
		return
	}

	status := "inactive"
	if key.Active {
		status = "active"
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("API key is now %s", status)})
}

// handleUpdateKeyNotes implements POST /admin/update-key-notes
func (s *Server) handleUpdateKeyNotes(c *gin.Context) {
	var req updateNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, "api_key is required")
		return
	}

	updated, err := s.keys.UpdateNotes(req.APIKey, req.Notes)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to update notes: %v", err))
		return
	}
	if !updated {
		abortWithDetail(c, http.StatusNotFound, "API key not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notes updated successfully"})
}

// handleKeyDetails implements GET /admin/key-details/:key
func (s *Server) handleKeyDetails(c *gin.Context) {
	key, err := s.keys.GetKey(c.Param("key"))
	if errors.Is(err, storage.ErrNotFound) {
		abortWithDetail(c, http.StatusNotFound, "API key not found")
		return
	}
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch key details: %v", err))
		return
	}
	c.JSON(http.StatusOK, keyView(key))
}

// handleModelStatus implements GET /admin/model-status
func (s *Server) handleModelStatus(c *gin.Context) {
	status := s.models.Status()
	active, err := s.store.CountTasksByStatus(types.TaskStatusProcessing)
	if err != nil {
		active = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"model_loaded":              status.ModelLoaded,
		"current_model_size":        status.CurrentModelSize,
		"current_device":            status.CurrentDevice,
		"is_loading":                status.IsLoading,
		"available_memory_gb":       status.AvailableMemoryGB,
		"total_memory_gb":           status.TotalMemoryGB,
		"model_memory_requirements": status.ModelMemoryRequirements,
		"queue_size":                s.queue.Len(),
		"queue_max_size":            s.queue.Cap(),
		"active_tasks":              active,
	})
}

// handleUnloadModel implements POST /admin/unload-model. Refused while a
// load is in flight or while the queue is non-empty.
func (s *Server) handleUnloadModel(c *gin.Context) {
	if s.models.IsLoading() {
		abortWithDetail(c, http.StatusConflict, "Model is currently loading, cannot unload")
		return
	}
	if depth := s.queue.Len(); depth > 0 {
		abortWithDetail(c, http.StatusConflict,
			fmt.Sprintf("Cannot unload model: %d tasks in queue. Wait for completion or cancel tasks.", depth))
		return
	}

	size, _ := s.models.CurrentSize()
	if !s.models.Unload() {
		c.JSON(http.StatusOK, gin.H{"message": "No model was loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":             fmt.Sprintf("Model %s unloaded successfully", size),
		"available_memory_gb": round2(s.models.AvailableMemoryGB()),
	})
}

// handleSwitchModel implements POST /admin/switch-model/:size
func (s *Server) handleSwitchModel(c *gin.Context) {
	size := types.ModelSize(c.Param("size"))
	if !size.Valid() || size == types.ModelAuto {
		abortWithDetail(c, http.StatusBadRequest, "Invalid model size. Use: tiny, base, small, medium, large")
		return
	}

	if s.models.IsLoading() {
		abortWithDetail(c, http.StatusConflict, "Another model is currently loading")
		return
	}

	if ok, reason := s.models.CanLoadModel(size); !ok {
		abortWithDetail(c, http.StatusInsufficientStorage, "Insufficient memory: "+reason)
		return
	}

	old, _ := s.models.CurrentSize()
	if _, err := s.models.LoadModel(size, s.device, false); err != nil {
		var memErr *models.InsufficientMemoryError
		if errors.As(err, &memErr) {
			abortWithDetail(c, http.StatusInsufficientStorage, "Insufficient memory: "+memErr.Reason)
			return
		}
		abortWithDetail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to switch model: %v", err))
		return
	}

	from := "none"
	if old != "" {
		from = string(old)
	}
	c.JSON(http.StatusOK, gin.H{
		"message":             fmt.Sprintf("Switched from %s to %s", from, size),
		"current_model":       size,
		"available_memory_gb": round2(s.models.AvailableMemoryGB()),
	})
}
