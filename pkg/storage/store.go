// Package storage persists API keys, master tokens and tasks, and owns the
// task state machine. All mutation flows through single-row atomic updates
// so concurrent workers and request handlers never race on counters or
// status transitions.
package storage

import (
	"errors"

	"github.com/IvanSolovey/transcription-api/pkg/types"
)

var (
	// ErrNotFound is returned when the referenced row does not exist
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a status update would violate
	// the task state machine
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store is the interface for persistent state
type Store interface {
	// Task operations
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	UpdateTaskStatus(id string, status types.TaskStatus, errorMessage string) error
	// ClaimForProcessing atomically moves a queued task to processing and
	// stamps started_at. Exactly one of any set of concurrent claims on
	// the same task succeeds.
	ClaimForProcessing(id string) (bool, error)
	// CancelIfQueued atomically cancels a task that is still queued
	CancelIfQueued(id string) (bool, error)
	MarkCompleted(id string, durationSec float64, resultJSON string) error
	MarkFailed(id string, errorMessage string) error
	ListTasks(limit int, status types.TaskStatus) ([]*types.Task, error)
	// ListTasksByKeyPaginated returns one page of a key's tasks, newest
	// first, plus the total row count under the same filter.
	ListTasksByKeyPaginated(key string, status types.TaskStatus, limit, offset int) ([]*types.Task, int, error)
	CountTasksByStatus(status types.TaskStatus) (int, error)
	// RecoverInterrupted fails every task left in processing by a previous
	// run and returns how many rows were swept.
	RecoverInterrupted() (int, error)

	// API key operations
	CreateAPIKey(key *types.APIKey) error
	GetAPIKey(key string) (*types.APIKey, error)
	ListAPIKeys() ([]*types.APIKey, error)
	DeleteAPIKey(key string) (bool, error)
	ToggleAPIKeyActive(key string) (*types.APIKey, error)
	UpdateAPIKeyNotes(key, notes string) (bool, error)
	// LogUsage adds one request outcome to a key's counters as a single
	// SQL update so concurrent calls commute.
	LogUsage(key string, success bool, processingTimeSec float64) error

	// Master token operations
	CreateMasterToken(token *types.MasterToken) error
	ListMasterTokens() ([]*types.MasterToken, error)

	Close() error
}
