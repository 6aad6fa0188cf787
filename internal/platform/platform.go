// Package platform abstracts deployment targets behind a uniform
// adapter interface. The workflow engine treats every adapter call as
// fallible and independent: adapters report failures in their result
// types, and a Go error is reserved for contract-level problems.
package platform

import (
	"context"
	"fmt"
	"sync"

	"slipway/internal/config"
)

// Status is the platform-side state of a deployment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusLive     Status = "live"
	StatusError    Status = "error"
	StatusUnknown  Status = "unknown"
)

// Terminal reports whether polling can stop at this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusLive, StatusError:
		return true
	}
	return false
}

// Detection describes what kind of project lives at a path and how to
// install and build it.
type Detection struct {
	Framework      string
	PackageManager string
	InstallCommand []string
	BuildCommand   []string
	OutputDir      string
}

// AuthResult is the outcome of platform authentication.
type AuthResult struct {
	OK       bool
	Identity string
	Err      string
}

// DeployOptions carries per-deployment inputs to an adapter.
type DeployOptions struct {
	TaskID    string
	Ref       string
	OutputDir string
	Env       map[string]string
}

// DeployResult is the outcome of starting a deployment.
type DeployResult struct {
	OK       bool
	DeployID string
	URL      string
	Err      string
}

// StatusResult is one observation of deployment state.
type StatusResult struct {
	Status Status
	URL    string
	Err    string
}

// Adapter is a deployment platform implementation.
type Adapter interface {
	// Name returns the platform identifier used in configuration.
	Name() string

	// Detect inspects the project path. A nil Detection with nil error
	// means no recognizable project was found.
	Detect(ctx context.Context, path string) (*Detection, error)

	// Authenticate verifies credentials before deploying.
	Authenticate(ctx context.Context, project *config.Project) AuthResult

	// Deploy pushes the built artifacts and returns a deploy id for
	// status polling.
	Deploy(ctx context.Context, project *config.Project, opts DeployOptions) DeployResult

	// Status reports the platform-side state of a deployment.
	Status(ctx context.Context, project *config.Project, deployID string) StatusResult

	// SetEnv applies environment variables to the deployment.
	SetEnv(ctx context.Context, project *config.Project, deployID string, vars map[string]string) error

	// Rollback reverts to the release identified by deployID, or to
	// the previous release when deployID is empty.
	Rollback(ctx context.Context, project *config.Project, deployID string) error
}

// Registry manages the available platform adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get retrieves an adapter by platform name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.adapters[name]
	if !exists {
		return nil, fmt.Errorf("platform '%s' not registered", name)
	}
	return a, nil
}

// Names returns all registered platform names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
