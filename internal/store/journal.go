package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"slipway/internal/events"
)

// CreateLogEntry appends one log line for a task
func (s *Store) CreateLogEntry(ctx context.Context, entry LogEntry) error {
	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, ts, level, source, message)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.TaskID,
		ts.UTC().Format(time.RFC3339),
		entry.Level,
		entry.Source,
		entry.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// GetTaskLogs returns log entries for a task in insertion order
func (s *Store) GetTaskLogs(ctx context.Context, taskID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, ts, level, source, message
		FROM task_logs
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var tsStr string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &tsStr, &entry.Level, &entry.Source, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		entry.Time = ts
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

// GetSetting returns the value for a key, or empty string when unset
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a key/value pair, replacing any existing value
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// RecordEvent persists a pipeline event
func (s *Store) RecordEvent(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (ts, type, task_id, payload_json)
		VALUES (?, ?, ?, ?)
	`,
		evt.Time.UTC().Format(time.RFC3339),
		string(evt.Type),
		evt.TaskID,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetTaskEvents returns persisted events for a task in insertion order
func (s *Store) GetTaskEvents(ctx context.Context, taskID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, type, task_id, payload_json
		FROM events
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var tsStr string
		if err := rows.Scan(&rec.ID, &tsStr, &rec.Type, &rec.TaskID, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		rec.Time = ts
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}
