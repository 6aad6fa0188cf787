// Package workflow drives one deployment task through its phase
// sequence: detecting, installing, building, deploying. Commands run
// under the process supervisor, failures are classified into
// signatures, and the recovery engine proposes remediations that the
// workflow applies automatically when confidence is high enough.
//
// Every phase and status transition is persisted to the store and
// published on the event bus. Neither a store failure nor a slow
// subscriber can fault a run: persistence problems are logged and the
// run keeps its in-memory state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"slipway/internal/classify"
	"slipway/internal/config"
	"slipway/internal/events"
	"slipway/internal/platform"
	"slipway/internal/recovery"
	"slipway/internal/store"
	"slipway/internal/supervise"
	"slipway/internal/task"
)

const (
	// AutoApplyThreshold is the confidence above which a recovery
	// action executes without human approval.
	AutoApplyThreshold = 0.9

	// AdvisoryThreshold is the confidence above which a recovery action
	// is surfaced as a suggestion when it cannot be auto-applied.
	AdvisoryThreshold = 0.7

	// DefaultMaxRecoveryRetries caps how often the build phase is
	// re-entered after a successful automatic remediation. Without a
	// cap a remedy that does not actually clear the signature would
	// loop forever.
	DefaultMaxRecoveryRetries = 2

	// DefaultPollInterval is the pause between deployment status
	// checks.
	DefaultPollInterval = 10 * time.Second

	// DefaultMaxPollAttempts bounds the status checks per deployment;
	// together with the interval it puts a 5 minute ceiling on the
	// verification loop.
	DefaultMaxPollAttempts = 30

	// AdvisoryQuietPeriod is how long duplicate advisories for the same
	// failure signature are suppressed.
	AdvisoryQuietPeriod = 5 * time.Minute

	// persistTimeout bounds each store write made on behalf of a run.
	persistTimeout = 5 * time.Second
)

var (
	// ErrProjectNotFound means the project name is not configured.
	ErrProjectNotFound = errors.New("project not found")

	// ErrRunInProgress means the project already has an active run.
	ErrRunInProgress = errors.New("a run is already in progress for this project")
)

// Deps are the collaborators an Engine coordinates.
type Deps struct {
	Store      *store.Store
	Bus        *events.Bus
	Supervisor *supervise.Supervisor
	Classifier *classify.Classifier
	Recovery   *recovery.Engine
	Platforms  *platform.Registry
	Projects   *config.Registry
	Logger     *slog.Logger
}

// Engine owns the lifecycle of deployment tasks. Each run executes on
// its own goroutine; runs for different projects proceed concurrently
// while runs for the same project are serialized by the guard.
type Engine struct {
	store      *store.Store
	bus        *events.Bus
	supervisor *supervise.Supervisor
	classifier *classify.Classifier
	recovery   *recovery.Engine
	platforms  *platform.Registry
	projects   *config.Registry
	logger     *slog.Logger

	guard  *guard
	alerts *alertGate

	// PollInterval and MaxPollAttempts shape the deploy verification
	// loop. Set before the first Start.
	PollInterval    time.Duration
	MaxPollAttempts int

	// MaxRecoveryRetries caps automatic build-phase retries per run.
	MaxRecoveryRetries int

	mu   sync.Mutex
	runs map[string]*run

	wg sync.WaitGroup
}

// NewEngine wires an engine. Logger and Bus may be nil; the other
// dependencies are required.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Engine{
		store:      deps.Store,
		bus:        bus,
		supervisor: deps.Supervisor,
		classifier: deps.Classifier,
		recovery:   deps.Recovery,
		platforms:  deps.Platforms,
		projects:   deps.Projects,
		logger:     logger,

		guard:  newGuard(),
		alerts: newAlertGate(AdvisoryQuietPeriod),

		PollInterval:       DefaultPollInterval,
		MaxPollAttempts:    DefaultMaxPollAttempts,
		MaxRecoveryRetries: DefaultMaxRecoveryRetries,

		runs: make(map[string]*run),
	}
}

// StartOptions carry per-run inputs.
type StartOptions struct {
	// Type defaults to deploy.
	Type task.Type

	// Platform overrides the project's configured platform.
	Platform string

	// Ref is the git ref that triggered the run, when known.
	Ref string
}

// run is the engine-internal state of one task execution.
type run struct {
	task    *task.Task
	project *config.Project
	ref     string

	adapter   platform.Adapter
	detection *platform.Detection

	ctx    context.Context
	cancel context.CancelFunc

	cancelRequested atomic.Bool

	startedAt time.Time
	progress  int
	result    map[string]string
}

// phaseFailure carries a failed phase's terminal details out of the
// phase functions.
type phaseFailure struct {
	phase     task.Phase
	message   string
	signature *classify.Signature
}

// Start creates a task for the project and launches its run. It
// returns the pending task immediately; progress is observable through
// the store and the event bus. A second Start for a project with an
// active run fails with ErrRunInProgress.
func (e *Engine) Start(ctx context.Context, projectName string, opts StartOptions) (*task.Task, error) {
	proj, err := e.projects.Get(projectName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectName)
	}

	typ := opts.Type
	if typ == "" {
		typ = task.TypeDeploy
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown task type: %s", typ)
	}

	platformName := opts.Platform
	if platformName == "" {
		platformName = proj.Platform
	}

	if !e.guard.TryAcquire(projectName) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, projectName)
	}

	t := task.New(projectName, typ, platformName)
	if err := e.store.CreateTask(ctx, t); err != nil {
		e.guard.Release(projectName)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		task:    t,
		project: proj,
		ref:     opts.Ref,
		ctx:     runCtx,
		cancel:  cancel,
		result:  make(map[string]string),
	}

	e.mu.Lock()
	e.runs[t.ID] = r
	e.mu.Unlock()

	e.bus.Publish(events.New(events.TaskCreated, t.ID, projectName, map[string]any{
		"type":     string(typ),
		"platform": platformName,
	}))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.guard.Release(projectName)
		e.execute(r)
	}()

	return t, nil
}

// Cancel stops the run for the task id. It kills any active process
// and lets the run goroutine record the cancelled status. Returns
// false when the task has no active run (unknown id, already terminal,
// or already being cancelled), which makes repeated cancels no-ops.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if !r.cancelRequested.CompareAndSwap(false, true) {
		return false
	}

	e.logger.Info("cancelling task", "task", id, "project", r.project.Name)
	r.cancel()
	e.supervisor.Cancel(id)
	return true
}

// ActiveRuns returns the number of runs currently in flight.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Platform looks up a registered platform adapter by name.
func (e *Engine) Platform(name string) (platform.Adapter, error) {
	return e.platforms.Get(name)
}

// WaitForRuns blocks until every in-flight run has finished. Used on
// shutdown and by tests.
func (e *Engine) WaitForRuns() {
	e.wg.Wait()
}

// execute walks the run through the phase sequence and records exactly
// one terminal status.
func (e *Engine) execute(r *run) {
	defer func() {
		e.mu.Lock()
		delete(e.runs, r.task.ID)
		e.mu.Unlock()
	}()

	e.logger.Info("run started",
		"task", r.task.ID,
		"project", r.project.Name,
		"platform", r.task.Platform,
		"type", r.task.Type)

	r.startedAt = time.Now().UTC()
	e.persist(r, task.Update{
		Status:    task.StatusPtr(task.StatusRunning),
		StartedAt: task.TimePtr(r.startedAt),
	})
	r.task.Status = task.StatusRunning
	e.bus.Publish(events.New(events.TaskStatus, r.task.ID, r.project.Name, map[string]any{
		"status": string(task.StatusRunning),
	}))

	phases := []struct {
		phase task.Phase
		fn    func(*run) *phaseFailure
	}{
		{task.PhaseDetecting, e.detect},
		{task.PhaseInstalling, e.install},
		{task.PhaseBuilding, e.build},
		{task.PhaseDeploying, e.deploy},
	}

	for _, p := range phases {
		if e.interrupted(r) {
			e.finalizeCancelled(r)
			return
		}
		e.enterPhase(r, p.phase)
		if fail := p.fn(r); fail != nil {
			if e.interrupted(r) {
				e.finalizeCancelled(r)
				return
			}
			e.finalizeFailed(r, fail)
			return
		}
	}

	if e.interrupted(r) {
		e.finalizeCancelled(r)
		return
	}
	e.finalizeSuccess(r)
}

func (e *Engine) interrupted(r *run) bool {
	return r.cancelRequested.Load() || r.ctx.Err() != nil
}

// enterPhase records and announces the transition into a phase.
func (e *Engine) enterPhase(r *run, p task.Phase) {
	r.task.Phase = p
	e.persist(r, task.Update{Phase: task.PhasePtr(p)})
	e.bus.Publish(events.New(events.TaskPhase, r.task.ID, r.project.Name, map[string]any{
		"phase":    string(p),
		"progress": r.progress,
	}))
	e.logger.Info("phase started", "task", r.task.ID, "phase", p)
}

// setProgress advances the task's progress. Progress is monotonic
// within a run; stale or repeated checkpoints are ignored.
func (e *Engine) setProgress(r *run, progress int) {
	if progress <= r.progress {
		return
	}
	r.progress = progress
	e.persist(r, task.Update{Progress: task.IntPtr(progress)})
}

func (e *Engine) finalizeSuccess(r *run) {
	now := time.Now().UTC()
	r.progress = task.ProgressDone
	r.task.Status = task.StatusSuccess
	e.persist(r, task.Update{
		Status:      task.StatusPtr(task.StatusSuccess),
		Progress:    task.IntPtr(task.ProgressDone),
		Phase:       task.PhasePtr(""),
		CompletedAt: task.TimePtr(now),
	})

	e.rememberDeploy(r)

	duration := now.Sub(r.startedAt)
	payload := map[string]any{
		"duration_seconds": duration.Seconds(),
	}
	if url := r.result["url"]; url != "" {
		payload["url"] = url
	}
	if id := r.result["deploy_id"]; id != "" {
		payload["deploy_id"] = id
	}
	e.bus.Publish(events.New(events.TaskStatus, r.task.ID, r.project.Name, map[string]any{
		"status": string(task.StatusSuccess),
	}))
	e.bus.Publish(events.New(events.TaskCompleted, r.task.ID, r.project.Name, payload))

	e.logger.Info("run succeeded",
		"task", r.task.ID,
		"project", r.project.Name,
		"duration", duration.Round(time.Millisecond),
		"url", r.result["url"])
}

func (e *Engine) finalizeFailed(r *run, fail *phaseFailure) {
	now := time.Now().UTC()
	r.task.Status = task.StatusError
	e.persist(r, task.Update{
		Status:      task.StatusPtr(task.StatusError),
		Phase:       task.PhasePtr(""),
		Error:       task.StrPtr(fail.message),
		CompletedAt: task.TimePtr(now),
	})

	e.logger.Warn("run failed",
		"task", r.task.ID,
		"project", r.project.Name,
		"phase", fail.phase,
		"error", fail.message)

	// Best-effort closing analysis: surface what could be done about
	// the failure, but never act on it at this level.
	if fail.signature != nil {
		action := e.recovery.Suggest(fail.signature)
		e.logger.Info("recovery analysis",
			"task", r.task.ID,
			"signature", fail.signature.Hash,
			"action", action.ID,
			"confidence", action.Confidence)
		e.publishRecovery(r, fail.phase, fail.signature, action, "analysis", "")
	}

	e.bus.Publish(events.New(events.TaskStatus, r.task.ID, r.project.Name, map[string]any{
		"status": string(task.StatusError),
	}))

	failPayload := map[string]any{
		"phase": string(fail.phase),
		"error": fail.message,
	}
	if sig := fail.signature; sig != nil {
		failPayload["error_type"] = string(sig.Type)
		if sig.File != "" {
			failPayload["file"] = sig.File
			if sig.Line > 0 {
				failPayload["line"] = sig.Line
			}
		}
	}
	e.bus.Publish(events.New(events.TaskFailed, r.task.ID, r.project.Name, failPayload))
}

func (e *Engine) finalizeCancelled(r *run) {
	now := time.Now().UTC()
	r.task.Status = task.StatusCancelled
	e.persist(r, task.Update{
		Status:      task.StatusPtr(task.StatusCancelled),
		Phase:       task.PhasePtr(""),
		CompletedAt: task.TimePtr(now),
	})

	e.bus.Publish(events.New(events.TaskStatus, r.task.ID, r.project.Name, map[string]any{
		"status": string(task.StatusCancelled),
	}))
	e.bus.Publish(events.New(events.TaskCancelled, r.task.ID, r.project.Name, map[string]any{
		"phase": string(r.task.Phase),
	}))

	e.logger.Info("run cancelled", "task", r.task.ID, "project", r.project.Name)
}

// rememberDeploy records the last successful deploy id per project for
// the project listing.
func (e *Engine) rememberDeploy(r *run) {
	id := r.result["deploy_id"]
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SetSetting(ctx, "last_deploy/"+r.project.Name, id); err != nil {
		e.logger.Warn("failed to record last deploy id",
			"project", r.project.Name, "error", err)
	}
}

// persist applies a partial update to the stored task. Failures are
// logged and swallowed: persistence is opportunistic, the run's
// control flow never depends on it. A background context is used so
// terminal states survive run cancellation.
func (e *Engine) persist(r *run, u task.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateTask(ctx, r.task.ID, u); err != nil {
		e.logger.Warn("failed to persist task update",
			"task", r.task.ID,
			"error", err)
	}
}

// logTask publishes a log line event; the store mirror persists it.
func (e *Engine) logTask(r *run, level, source, message string) {
	e.bus.Publish(events.New(events.TaskLog, r.task.ID, r.project.Name, map[string]any{
		"level":   level,
		"source":  source,
		"message": message,
	}))
}

// publishRecovery emits a task:recovery event. Advisory and analysis
// emissions pass through the per-signature gate so repeats of the same
// failure do not flood subscribers; applied actions always publish.
func (e *Engine) publishRecovery(r *run, phase task.Phase, sig *classify.Signature, action recovery.Action, stage, result string) {
	if stage != "auto" && !e.alerts.Allow(sig.Hash) {
		e.logger.Debug("recovery advisory suppressed",
			"task", r.task.ID,
			"signature", sig.Hash)
		return
	}

	payload := map[string]any{
		"stage":          stage,
		"phase":          string(phase),
		"action":         action.ID,
		"description":    action.Description,
		"confidence":     action.Confidence,
		"risk":           string(action.Risk),
		"error_type":     string(sig.Type),
		"severity":       string(sig.Severity),
		"signature_hash": sig.Hash,
		"message":        sig.Message,
	}
	if action.EstimatedCost > 0 {
		payload["estimated_cost_seconds"] = action.EstimatedCost.Seconds()
	}
	if len(action.Params) > 0 {
		params := make(map[string]any, len(action.Params))
		for k, v := range action.Params {
			params[k] = v
		}
		payload["params"] = params
	}
	if len(sig.Suggestions) > 0 {
		payload["suggestions"] = append([]string(nil), sig.Suggestions...)
	}
	if len(action.Alternatives) > 0 {
		alts := make([]string, 0, len(action.Alternatives))
		for _, alt := range action.Alternatives {
			alts = append(alts, alt.ID)
		}
		payload["alternatives"] = alts
	}
	if result != "" {
		payload["result"] = result
	}

	e.bus.Publish(events.New(events.TaskRecovery, r.task.ID, r.project.Name, payload))
}
