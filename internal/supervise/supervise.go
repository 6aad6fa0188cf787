// Package supervise runs pipeline commands as child processes with
// output capture, live streaming, timeouts and two-stage termination.
//
// Failures are values here: a command that cannot be spawned or exits
// non-zero still yields a Result so callers can inspect whatever output
// was captured. Only contract violations (empty command, duplicate
// process id) surface as Go errors.
package supervise

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// KillGracePeriod is how long a process gets between the polite
	// termination signal and the forced kill.
	KillGracePeriod = 5 * time.Second

	// MaxCaptureBytes bounds how much of each output stream is retained
	// in the Result. Streaming to the sink is unaffected.
	MaxCaptureBytes = 1 << 20

	readChunkSize = 8192
)

// StreamKind says which output stream a chunk came from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// StreamEvent is one chunk of live process output.
type StreamEvent struct {
	Kind  StreamKind
	Chunk string
}

// Request describes a command to run.
type Request struct {
	// ID keys the process in the active registry. Usually the task id.
	// Generated when empty.
	ID string

	Command string
	Args    []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env is merged over the parent environment.
	Env map[string]string

	// Timeout kills the process after this duration. Zero means none.
	Timeout time.Duration

	// Sink receives output chunks as they arrive. Calls are serialized;
	// the sink does not need to be safe for concurrent use. May be nil.
	Sink func(StreamEvent)
}

// Result is the outcome of a supervised process.
type Result struct {
	// Succeeded is true only for a clean exit with code zero.
	Succeeded bool

	Stdout string
	Stderr string

	// ExitCode is -1 when the process never started or was killed by a
	// signal.
	ExitCode int

	Duration time.Duration

	// SpawnErr holds the error message when the command could not be
	// started at all (binary missing, bad working directory).
	SpawnErr string
}

// Supervisor tracks running processes by id and enforces the
// one-process-per-id invariant.
type Supervisor struct {
	logger *slog.Logger
	grace  time.Duration

	mu     sync.Mutex
	active map[string]*Handle
}

// New creates a supervisor. The logger may be nil.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger: logger,
		grace:  KillGracePeriod,
		active: make(map[string]*Handle),
	}
}

// Handle is a running (or finished) supervised process.
type Handle struct {
	ID string

	sup      *Supervisor
	cmd      *exec.Cmd
	done     chan struct{}
	result   Result
	stopOnce sync.Once
	sink     func(StreamEvent)
	sinkMu   sync.Mutex
}

// Run executes the command and blocks until it finishes, is killed by
// timeout, or the context is cancelled. Spawn failures and non-zero
// exits are reported inside the Result, never as an error.
func (s *Supervisor) Run(ctx context.Context, req Request) (Result, error) {
	h, err := s.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return h.Wait(), nil
}

// Start launches the command and returns immediately. A spawn failure
// still returns a handle; its Result carries the spawn error.
func (s *Supervisor) Start(ctx context.Context, req Request) (*Handle, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	h := &Handle{
		ID:   req.ID,
		sup:  s,
		done: make(chan struct{}),
		sink: req.Sink,
	}

	s.mu.Lock()
	if _, exists := s.active[req.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("process already active for id %s", req.ID)
	}
	s.active[req.ID] = h
	s.mu.Unlock()

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(req.Env)
	setProcGroup(cmd)
	h.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.remove(req.ID)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.remove(req.ID)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.remove(req.ID)
		h.result = Result{
			Succeeded: false,
			ExitCode:  -1,
			Duration:  time.Since(start),
			SpawnErr:  err.Error(),
		}
		close(h.done)
		s.logger.Warn("process spawn failed",
			"id", req.ID,
			"command", req.Command,
			"error", err)
		return h, nil
	}

	s.logger.Debug("process started",
		"id", req.ID,
		"command", req.Command,
		"pid", cmd.Process.Pid,
		"timeout", req.Timeout)

	outBuf := &capBuffer{limit: MaxCaptureBytes}
	errBuf := &capBuffer{limit: MaxCaptureBytes}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.consume(stdout, StreamStdout, outBuf)
	}()
	go func() {
		defer readers.Done()
		h.consume(stderr, StreamStderr, errBuf)
	}()

	var timer *time.Timer
	if req.Timeout > 0 {
		timer = time.AfterFunc(req.Timeout, func() {
			s.logger.Warn("process timed out, terminating",
				"id", req.ID,
				"timeout", req.Timeout)
			h.stop()
		})
	}

	// Context cancellation triggers the same graceful stop as an
	// explicit Cancel.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.stop()
		case <-ctxDone:
		}
	}()

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		close(ctxDone)
		if timer != nil {
			timer.Stop()
		}

		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}

		h.result = Result{
			Succeeded: waitErr == nil && exitCode == 0,
			Stdout:    outBuf.String(),
			Stderr:    errBuf.String(),
			ExitCode:  exitCode,
			Duration:  time.Since(start),
		}

		s.remove(req.ID)
		close(h.done)

		s.logger.Debug("process finished",
			"id", req.ID,
			"exit_code", exitCode,
			"duration", h.result.Duration)
	}()

	return h, nil
}

// Cancel gracefully terminates the process registered under id.
// Returns false when no process is active for that id.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.stop()
	return true
}

// Active reports whether a process is currently registered under id.
func (s *Supervisor) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Wait blocks until the process reaches a terminal state and returns
// its result. Safe to call from multiple goroutines.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Done returns a channel closed when the process finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// stop sends the termination signal to the process group and arms the
// forced kill. Idempotent.
func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		if err := terminate(h.cmd); err != nil {
			h.sup.logger.Debug("terminate signal failed", "id", h.ID, "error", err)
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.sup.grace):
				h.sup.logger.Warn("process ignored termination signal, killing",
					"id", h.ID,
					"grace", h.sup.grace)
				if err := kill(h.cmd); err != nil {
					h.sup.logger.Debug("kill signal failed", "id", h.ID, "error", err)
				}
			}
		}()
	})
}

func (h *Handle) consume(r io.Reader, kind StreamKind, buf *capBuffer) {
	b := make([]byte, readChunkSize)
	for {
		n, err := r.Read(b)
		if n > 0 {
			chunk := string(b[:n])
			buf.write(chunk)
			if h.sink != nil {
				h.sinkMu.Lock()
				h.sink(StreamEvent{Kind: kind, Chunk: chunk})
				h.sinkMu.Unlock()
			}
		}
		if err != nil {
			return
		}
	}
}

// capBuffer retains output up to a byte limit and marks truncation.
// Only one goroutine writes to a given buffer.
type capBuffer struct {
	b         strings.Builder
	limit     int
	truncated bool
}

func (c *capBuffer) write(s string) {
	if c.truncated {
		return
	}
	remaining := c.limit - c.b.Len()
	if len(s) > remaining {
		c.b.WriteString(s[:remaining])
		c.b.WriteString("\n[output truncated]")
		c.truncated = true
		return
	}
	c.b.WriteString(s)
}

func (c *capBuffer) String() string {
	return c.b.String()
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
