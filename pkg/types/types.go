package types

import "time"

// TaskStatus represents the lifecycle state of a transcription task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a known state
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ModelSize is a symbolic label for a speech-recognition model variant
type ModelSize string

const (
	ModelTiny   ModelSize = "tiny"
	ModelBase   ModelSize = "base"
	ModelSmall  ModelSize = "small"
	ModelMedium ModelSize = "medium"
	ModelLarge  ModelSize = "large"
	ModelAuto   ModelSize = "auto"
)

// Valid reports whether the size is a member of the closed set
func (m ModelSize) Valid() bool {
	switch m {
	case ModelTiny, ModelBase, ModelSmall, ModelMedium, ModelLarge, ModelAuto:
		return true
	}
	return false
}

// Task is a persistent record of one transcription request and its outcome
type Task struct {
	ID             string     `json:"id"`
	APIKey         string     `json:"api_key"`
	Filename       string     `json:"filename"`
	ModelSize      ModelSize  `json:"model_size"`
	HasDiarization bool       `json:"has_diarization"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationSec    *float64   `json:"duration_sec,omitempty"`
	ResultJSON     *string    `json:"result_json,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
}

// APIKey is a per-tenant credential with its usage ledger
type APIKey struct {
	Key                 string     `json:"key"`
	ClientName          string     `json:"client_name"`
	CreatedAt           time.Time  `json:"created_at"`
	Active              bool       `json:"active"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
	UsageCount          int64      `json:"usage_count"`
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	TotalProcessingTime float64    `json:"total_processing_time"`
	Notes               string     `json:"notes"`
}

// MasterToken is the operator-only credential guarding admin endpoints
type MasterToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskHandle is the in-memory tuple carried through the queue. It references
// a persisted task plus the path of its staged input file.
type TaskHandle struct {
	TaskID         string
	StagedPath     string
	Language       string
	ModelSize      ModelSize
	HasDiarization bool
	APIKey         string
}

// Segment is one time-aligned slice of a transcript
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Speaker summarizes one detected speaker in a diarized transcript
type Speaker struct {
	Label     string  `json:"label"`
	TotalTime float64 `json:"total_time"`
}

// Result is the transcript produced by the speech-recognition engine
type Result struct {
	Text            string    `json:"text"`
	Segments        []Segment `json:"segments"`
	Speakers        []Speaker `json:"speakers,omitempty"`
	Duration        float64   `json:"duration"`
	Language        string    `json:"language"`
	DiarizationType string    `json:"diarization_type,omitempty"`
}
