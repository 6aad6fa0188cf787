// Package events carries task lifecycle notifications between the
// workflow engine and its observers (SSE clients, the persistence
// mirror, CLI watchers). Publishing never blocks: subscribers that
// cannot keep up lose events rather than stalling the pipeline.
package events

import (
	"time"
)

// Type identifies what happened to a task.
type Type string

const (
	TaskCreated   Type = "task:created"
	TaskPhase     Type = "task:phase"
	TaskLog       Type = "task:log"
	TaskStatus    Type = "task:status"
	TaskCompleted Type = "task:completed"
	TaskFailed    Type = "task:failed"
	TaskRecovery  Type = "task:recovery"
	TaskCancelled Type = "task:cancelled"
)

// Event is a single notification about a task.
type Event struct {
	Type    Type           `json:"type"`
	TaskID  string         `json:"task_id"`
	Project string         `json:"project,omitempty"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(typ Type, taskID, project string, payload map[string]any) Event {
	return Event{
		Type:    typ,
		TaskID:  taskID,
		Project: project,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}
