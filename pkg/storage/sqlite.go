package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/IvanSolovey/transcription-api/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	key                   TEXT PRIMARY KEY,
	client_name           TEXT NOT NULL,
	created_at            DATETIME NOT NULL,
	active                INTEGER NOT NULL DEFAULT 1,
	last_used             DATETIME,
	usage_count           INTEGER NOT NULL DEFAULT 0,
	total_requests        INTEGER NOT NULL DEFAULT 0,
	successful_requests   INTEGER NOT NULL DEFAULT 0,
	failed_requests       INTEGER NOT NULL DEFAULT 0,
	total_processing_time REAL NOT NULL DEFAULT 0,
	notes                 TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	api_key         TEXT NOT NULL REFERENCES api_keys(key),
	status          TEXT NOT NULL DEFAULT 'queued',
	created_at      DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME,
	filename        TEXT NOT NULL,
	duration_sec    REAL,
	model_size      TEXT NOT NULL,
	has_diarization INTEGER NOT NULL DEFAULT 0,
	result_json     TEXT,
	error_message   TEXT
);

CREATE TABLE IF NOT EXISTS master_tokens (
	token      TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_apikey_active ON api_keys(active);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_api_key ON tasks(api_key);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

const maxErrorMessageLen = 2000

// SQLiteStore implements Store on a single SQLite database file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func truncate(msg string, max int) string {
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// CreateTask inserts a task in queued status. The api_key must reference
// an existing key and the id must be free.
func (s *SQLiteStore) CreateTask(task *types.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now()
	}
	task.Status = types.TaskStatusQueued

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, api_key, status, created_at, filename, model_size, has_diarization)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.APIKey, task.Status, task.CreatedAt,
		task.Filename, task.ModelSize, task.HasDiarization,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask returns the task or ErrNotFound
func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, api_key, status, created_at, started_at, completed_at,
		        filename, duration_sec, model_size, has_diarization, result_json, error_message
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var startedAt, completedAt sql.NullTime
	var durationSec sql.NullFloat64
	var resultJSON, errorMessage sql.NullString

	err := row.Scan(
		&t.ID, &t.APIKey, &t.Status, &t.CreatedAt, &startedAt, &completedAt,
		&t.Filename, &durationSec, &t.ModelSize, &t.HasDiarization, &resultJSON, &errorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if durationSec.Valid {
		t.DurationSec = &durationSec.Float64
	}
	if resultJSON.Valid {
		t.ResultJSON = &resultJSON.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = &errorMessage.String
	}
	return &t, nil
}

func legalTransition(from, to types.TaskStatus) bool {
	switch from {
	case types.TaskStatusQueued:
		return to == types.TaskStatusProcessing || to == types.TaskStatusCancelled
	case types.TaskStatusProcessing:
		return to == types.TaskStatusCompleted || to == types.TaskStatusFailed
	}
	return false
}

// UpdateTaskStatus applies one state-machine transition. started_at is
// stamped the first time the task enters processing; completed_at is
// stamped on any terminal state. Illegal transitions are rejected.
func (s *SQLiteStore) UpdateTaskStatus(id string, status types.TaskStatus, errorMessage string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current types.TaskStatus
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}

	if !legalTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, status)
	}

	ts := now()
	query := `UPDATE tasks SET status = ?`
	args := []any{status}
	if status == types.TaskStatusProcessing {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, ts)
	}
	if status.Terminal() {
		query += `, completed_at = ?`
		args = append(args, ts)
	}
	if errorMessage != "" {
		query += `, error_message = ?`
		args = append(args, truncate(errorMessage, maxErrorMessageLen))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return tx.Commit()
}

// ClaimForProcessing implements the atomic queued -> processing claim
func (s *SQLiteStore) ClaimForProcessing(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		types.TaskStatusProcessing, now(), id, types.TaskStatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// CancelIfQueued implements the atomic queued -> cancelled transition
func (s *SQLiteStore) CancelIfQueued(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		types.TaskStatusCancelled, now(), id, types.TaskStatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkCompleted records a successful outcome. Only legal from processing.
func (s *SQLiteStore) MarkCompleted(id string, durationSec float64, resultJSON string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ?, duration_sec = ?, result_json = ?, error_message = NULL
		 WHERE id = ? AND status = ?`,
		types.TaskStatusCompleted, now(), durationSec, resultJSON, id, types.TaskStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	return s.checkTransition(res, id)
}

// MarkFailed records a failure outcome. Only legal from processing.
func (s *SQLiteStore) MarkFailed(id string, errorMessage string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ?, error_message = ? WHERE id = ? AND status = ?`,
		types.TaskStatusFailed, now(), truncate(errorMessage, maxErrorMessageLen), id, types.TaskStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return s.checkTransition(res, id)
}

func (s *SQLiteStore) checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var current types.TaskStatus
	err = s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s", ErrIllegalTransition, id, current)
}

// ListTasks returns up to limit tasks across all keys, newest first,
// optionally filtered by status (empty = all)
func (s *SQLiteStore) ListTasks(limit int, status types.TaskStatus) ([]*types.Task, error) {
	query := `SELECT id, api_key, status, created_at, started_at, completed_at,
	                 filename, duration_sec, model_size, has_diarization, result_json, error_message
	          FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	return s.queryTasks(query, args...)
}

// ListTasksByKeyPaginated returns one page of a key's tasks plus the total
// count under the same filter
func (s *SQLiteStore) ListTasksByKeyPaginated(key string, status types.TaskStatus, limit, offset int) ([]*types.Task, int, error) {
	countQuery := `SELECT COUNT(*) FROM tasks WHERE api_key = ?`
	countArgs := []any{key}
	if status != "" {
		countQuery += ` AND status = ?`
		countArgs = append(countArgs, status)
	}
	var total int
	if err := s.db.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := `SELECT id, api_key, status, created_at, started_at, completed_at,
	                 filename, duration_sec, model_size, has_diarization, result_json, error_message
	          FROM tasks WHERE api_key = ?`
	args := []any{key}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	tasks, err := s.queryTasks(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// CountTasksByStatus returns the number of tasks in the given status
func (s *SQLiteStore) CountTasksByStatus(status types.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// RecoverInterrupted fails tasks abandoned in processing by a crash
func (s *SQLiteStore) RecoverInterrupted() (int, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ?, error_message = ? WHERE status = ?`,
		types.TaskStatusFailed, now(), "interrupted", types.TaskStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) queryTasks(query string, args ...any) ([]*types.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// CreateAPIKey inserts a new key with zeroed counters
func (s *SQLiteStore) CreateAPIKey(key *types.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now()
	}
	_, err := s.db.Exec(
		`INSERT INTO api_keys (key, client_name, created_at, active, notes) VALUES (?, ?, ?, ?, ?)`,
		key.Key, key.ClientName, key.CreatedAt, key.Active, truncate(key.Notes, 1000),
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKey returns the key row or ErrNotFound
func (s *SQLiteStore) GetAPIKey(key string) (*types.APIKey, error) {
	row := s.db.QueryRow(
		`SELECT key, client_name, created_at, active, last_used, usage_count,
		        total_requests, successful_requests, failed_requests, total_processing_time, notes
		 FROM api_keys WHERE key = ?`, key)
	return scanAPIKey(row)
}

func scanAPIKey(row rowScanner) (*types.APIKey, error) {
	var k types.APIKey
	var lastUsed sql.NullTime

	err := row.Scan(
		&k.Key, &k.ClientName, &k.CreatedAt, &k.Active, &lastUsed, &k.UsageCount,
		&k.TotalRequests, &k.SuccessfulRequests, &k.FailedRequests, &k.TotalProcessingTime, &k.Notes,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsed = &lastUsed.Time
	}
	return &k, nil
}

// ListAPIKeys returns every key, newest first
func (s *SQLiteStore) ListAPIKeys() ([]*types.APIKey, error) {
	rows, err := s.db.Query(
		`SELECT key, client_name, created_at, active, last_used, usage_count,
		        total_requests, successful_requests, failed_requests, total_processing_time, notes
		 FROM api_keys ORDER BY created_at DESC, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*types.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}
	return keys, nil
}

// DeleteAPIKey removes a key and reports whether it existed
func (s *SQLiteStore) DeleteAPIKey(key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ToggleAPIKeyActive flips the active flag and returns the updated row
func (s *SQLiteStore) ToggleAPIKeyActive(key string) (*types.APIKey, error) {
	res, err := s.db.Exec(`UPDATE api_keys SET active = NOT active WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetAPIKey(key)
}

// UpdateAPIKeyNotes sets the notes field and reports whether the key exists
func (s *SQLiteStore) UpdateAPIKeyNotes(key, notes string) (bool, error) {
	res, err := s.db.Exec(`UPDATE api_keys SET notes = ? WHERE key = ?`, truncate(notes, 1000), key)
	if err != nil {
		return false, fmt.Errorf("failed to update api key notes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// LogUsage folds one request outcome into a key's counters. The whole
// update is a single statement so concurrent calls commute.
func (s *SQLiteStore) LogUsage(key string, success bool, processingTimeSec float64) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	res, err := s.db.Exec(
		`UPDATE api_keys SET
			last_used = ?,
			usage_count = usage_count + 1,
			total_requests = total_requests + 1,
			successful_requests = successful_requests + ?,
			failed_requests = failed_requests + ?,
			total_processing_time = total_processing_time + ?
		 WHERE key = ?`,
		now(), succ, fail, processingTimeSec, key,
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMasterToken inserts a master token
func (s *SQLiteStore) CreateMasterToken(token *types.MasterToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now()
	}
	_, err := s.db.Exec(
		`INSERT INTO master_tokens (token, created_at) VALUES (?, ?)`,
		token.Token, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create master token: %w", err)
	}
	return nil
}

// ListMasterTokens returns every master token
func (s *SQLiteStore) ListMasterTokens() ([]*types.MasterToken, error) {
	rows, err := s.db.Query(`SELECT token, created_at FROM master_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list master tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*types.MasterToken
	for rows.Next() {
		var t types.MasterToken
		if err := rows.Scan(&t.Token, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan master token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate master tokens: %w", err)
	}
	return tokens, nil
}
