package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks never
// change state again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Phase is the pipeline stage a running task is in. Only tasks in
// StatusRunning carry a phase.
type Phase string

const (
	PhaseDetecting  Phase = "detecting"
	PhaseInstalling Phase = "installing"
	PhaseBuilding   Phase = "building"
	PhaseDeploying  Phase = "deploying"
)

// Progress checkpoints reached when the corresponding phase completes.
const (
	ProgressDetected  = 10
	ProgressInstalled = 30
	ProgressBuilt     = 60
	ProgressDeployed  = 80
	ProgressDone      = 100
)

// Type describes what kind of work a task performs.
type Type string

const (
	TypeDeploy  Type = "deploy"
	TypeBuild   Type = "build"
	TypeTest    Type = "test"
	TypeAnalyze Type = "analyze"
)

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	switch t {
	case TypeDeploy, TypeBuild, TypeTest, TypeAnalyze:
		return true
	}
	return false
}

// Task is a single unit of pipeline work tracked from creation to a
// terminal state.
type Task struct {
	ID          string            `json:"id"`
	Project     string            `json:"project"`
	Type        Type              `json:"type"`
	Platform    string            `json:"platform"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"` // 0-100
	Phase       Phase             `json:"phase,omitempty"`
	Log         string            `json:"log,omitempty"`
	Error       *string           `json:"error,omitempty"`
	Result      map[string]string `json:"result,omitempty"` // deploy id, url, framework
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// New creates a pending task with a fresh identifier.
func New(project string, typ Type, platform string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Project:   project,
		Type:      typ,
		Platform:  platform,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: time.Now().UTC(),
	}
}

// Update is a partial mutation applied to a stored task. Nil fields are
// left untouched; AppendLog is concatenated onto the existing log.
type Update struct {
	Status      *Status
	Progress    *int
	Phase       *Phase
	AppendLog   string
	Error       *string
	Result      map[string]string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Empty reports whether the update would change nothing.
func (u Update) Empty() bool {
	return u.Status == nil && u.Progress == nil && u.Phase == nil &&
		u.AppendLog == "" && u.Error == nil && u.Result == nil &&
		u.StartedAt == nil && u.CompletedAt == nil
}

// allowedTransitions maps each status to the statuses it may move to.
// Terminal statuses have no successors.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusError},
	StatusRunning: {StatusSuccess, StatusError, StatusCancelled},
}

// EnsureTransition returns an error if moving a task from one status to
// another would violate the lifecycle. Same-status writes are allowed so
// progress updates do not need special casing.
func EnsureTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task transition: %s -> %s", from, to)
}

// Ptr helpers for building partial updates.

func StatusPtr(s Status) *Status { return &s }
func PhasePtr(p Phase) *Phase    { return &p }
func IntPtr(i int) *int          { return &i }
func StrPtr(s string) *string    { return &s }
func TimePtr(t time.Time) *time.Time {
	return &t
}
