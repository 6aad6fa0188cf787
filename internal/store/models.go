package store

import "time"

// LogEntry is one captured line (or chunk) of task output
type LogEntry struct {
	ID      int64     `json:"id"`
	TaskID  string    `json:"task_id"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`  // info, warn, error
	Source  string    `json:"source"` // stdout, stderr, system
	Message string    `json:"message"`
}

// EventRecord is a persisted pipeline event
type EventRecord struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id"`
	Payload string    `json:"payload,omitempty"` // JSON
}
