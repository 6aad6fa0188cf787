// Package store persists tasks, their logs, pipeline events and
// operator settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"slipway/internal/task"
)

// Store manages slipway state in SQLite
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables and indexes
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			type TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			phase TEXT,
			log TEXT NOT NULL DEFAULT '',
			error TEXT,
			result_json TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_project_created
		ON tasks(project, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_logs table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_logs_task
		ON task_logs(task_id, id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_logs index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			payload_json TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_task
		ON events(task_id, id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}

	return nil
}

// CreateTask inserts a new task row
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	resultJSON, err := marshalResult(t.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
		(id, project, type, platform, status, progress, phase, log,
		 error, result_json, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.Project,
		string(t.Type),
		t.Platform,
		string(t.Status),
		t.Progress,
		nullableString(string(t.Phase)),
		t.Log,
		t.Error,
		resultJSON,
		t.CreatedAt.UTC().Format(time.RFC3339),
		formatNullableTime(t.StartedAt),
		formatNullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given id, or nil when absent
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, type, platform, status, progress, phase, log,
		       error, result_json, created_at, started_at, completed_at
		FROM tasks
		WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a partial update. Status changes are checked
// against the task lifecycle; writes to terminal tasks are rejected.
func (s *Store) UpdateTask(ctx context.Context, id string, u task.Update) error {
	if u.Empty() {
		return nil
	}

	if u.Status != nil {
		if !u.Status.Valid() {
			return fmt.Errorf("unknown task status %q", *u.Status)
		}
		current, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("task %s not found", id)
		}
		if err := task.EnsureTransition(current.Status, *u.Status); err != nil {
			return err
		}
	}

	var sets []string
	var args []interface{}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *u.Progress)
	}
	if u.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, nullableString(string(*u.Phase)))
	}
	if u.AppendLog != "" {
		sets = append(sets, "log = log || ?")
		args = append(args, u.AppendLog)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.Result != nil {
		resultJSON, err := marshalResult(u.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result_json = ?")
		args = append(args, resultJSON)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, u.StartedAt.UTC().Format(time.RFC3339))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, u.CompletedAt.UTC().Format(time.RFC3339))
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// ListTasks returns tasks newest first. An empty project matches all
// projects.
func (s *Store) ListTasks(ctx context.Context, project string, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, project, type, platform, status, progress, phase, log,
		       error, result_json, created_at, started_at, completed_at
		FROM tasks
	`
	var args []interface{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tasks, nil
}

// GetLatestTask returns the most recent task for a project, optionally
// filtered to one status. Returns nil when the project has no tasks.
func (s *Store) GetLatestTask(ctx context.Context, project string, status task.Status) (*task.Task, error) {
	query := `
		SELECT id, project, type, platform, status, progress, phase, log,
		       error, result_json, created_at, started_at, completed_at
		FROM tasks
		WHERE project = ?
	`
	args := []interface{}{project}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest task: %w", err)
	}
	return t, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTask scans a database row into a Task.
// Works with both *sql.Row and *sql.Rows
func scanTask(sc scanner) (*task.Task, error) {
	var t task.Task
	var typ, status string
	var phase, resultJSON, startedAt, completedAt sql.NullString
	var createdAtStr string

	err := sc.Scan(
		&t.ID,
		&t.Project,
		&typ,
		&t.Platform,
		&status,
		&t.Progress,
		&phase,
		&t.Log,
		&t.Error,
		&resultJSON,
		&createdAtStr,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	if phase.Valid {
		t.Phase = task.Phase(phase.String)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, fmt.Errorf("failed to parse result JSON: %w", err)
		}
	}

	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
	}
	t.CreatedAt = createdAt

	if t.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	if t.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
	}

	return &t, nil
}

func marshalResult(result map[string]string) (*string, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	s := string(data)
	return &s, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
