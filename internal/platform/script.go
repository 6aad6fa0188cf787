package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"slipway/internal/config"
	"slipway/pkg/cmdutil"
)

// CommandRunner executes argv in dir with extra environment variables
// and returns the captured output. Implementations must not pass the
// command through a shell.
type CommandRunner func(ctx context.Context, argv []string, dir string, env map[string]string) (stdout, stderr string, exitCode int, err error)

// Script adapts operator-provided commands into the platform
// interface. Each operation runs the corresponding configured command
// with SLIPWAY_* variables describing the deployment.
type Script struct {
	logger *slog.Logger
	run    CommandRunner
}

// NewScript creates the script adapter. All command execution goes
// through run.
func NewScript(run CommandRunner, logger *slog.Logger) *Script {
	if logger == nil {
		logger = slog.Default()
	}
	return &Script{
		logger: logger.With("platform", "script"),
		run:    run,
	}
}

// Name returns the platform identifier.
func (s *Script) Name() string { return "script" }

// Detect inspects the project working copy.
func (s *Script) Detect(ctx context.Context, path string) (*Detection, error) {
	return DetectProject(path)
}

// Authenticate runs the configured auth command. Projects without one
// are trusted implicitly.
func (s *Script) Authenticate(ctx context.Context, project *config.Project) AuthResult {
	sc := project.Script
	if sc == nil {
		return AuthResult{Err: fmt.Sprintf("project '%s' has no script configuration", project.Name)}
	}
	if sc.AuthCommand == "" {
		return AuthResult{OK: true, Identity: "script"}
	}

	stdout, stderr, code, err := s.runCommand(ctx, project, sc.AuthCommand, nil)
	if err != nil {
		return AuthResult{Err: err.Error()}
	}
	if code != 0 {
		return AuthResult{Err: commandFailure("auth", code, stderr)}
	}

	identity := firstLine(stdout)
	if identity == "" {
		identity = "script"
	}
	return AuthResult{OK: true, Identity: identity}
}

// Deploy runs the deploy command. The last non-empty stdout line is
// taken as the deploy id for later status and rollback calls.
func (s *Script) Deploy(ctx context.Context, project *config.Project, opts DeployOptions) DeployResult {
	sc := project.Script
	if sc == nil || sc.DeployCommand == "" {
		return DeployResult{Err: fmt.Sprintf("project '%s' has no deploy_command configured", project.Name)}
	}

	extra := map[string]string{
		"SLIPWAY_TASK_ID":    opts.TaskID,
		"SLIPWAY_REF":        opts.Ref,
		"SLIPWAY_OUTPUT_DIR": opts.OutputDir,
	}
	for name, value := range opts.Env {
		extra[name] = value
	}

	stdout, stderr, code, err := s.runCommand(ctx, project, sc.DeployCommand, extra)
	if err != nil {
		return DeployResult{Err: err.Error()}
	}
	if code != 0 {
		return DeployResult{Err: commandFailure("deploy", code, stderr)}
	}

	deployID := lastNonEmptyLine(stdout)
	if deployID == "" {
		deployID = uuid.NewString()
	}
	s.logger.Info("deploy command succeeded", "project", project.Name, "deploy_id", deployID)
	return DeployResult{OK: true, DeployID: deployID}
}

// Status runs the status command and maps its first stdout token to a
// deployment status. Projects without a status command are considered
// live as soon as the deploy command succeeds.
func (s *Script) Status(ctx context.Context, project *config.Project, deployID string) StatusResult {
	sc := project.Script
	if sc == nil {
		return StatusResult{Status: StatusError, Err: fmt.Sprintf("project '%s' has no script configuration", project.Name)}
	}
	if sc.StatusCommand == "" {
		return StatusResult{Status: StatusLive}
	}

	stdout, stderr, code, err := s.runCommand(ctx, project, sc.StatusCommand, map[string]string{
		"SLIPWAY_DEPLOY_ID": deployID,
	})
	if err != nil {
		return StatusResult{Status: StatusUnknown, Err: err.Error()}
	}
	if code != 0 {
		return StatusResult{Status: StatusError, Err: commandFailure("status", code, stderr)}
	}

	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return StatusResult{Status: StatusUnknown}
	}

	switch strings.ToLower(fields[0]) {
	case "pending":
		return StatusResult{Status: StatusPending}
	case "building", "in_progress":
		return StatusResult{Status: StatusBuilding}
	case "ready":
		return StatusResult{Status: StatusReady}
	case "live", "success":
		return StatusResult{Status: StatusLive}
	case "error", "failed", "failure":
		return StatusResult{Status: StatusError, Err: strings.TrimSpace(stdout)}
	default:
		return StatusResult{Status: StatusUnknown}
	}
}

// SetEnv runs the env command once per variable with the name and
// value appended as arguments.
func (s *Script) SetEnv(ctx context.Context, project *config.Project, deployID string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	sc := project.Script
	if sc == nil || sc.EnvCommand == "" {
		return fmt.Errorf("project '%s' has no env_command configured", project.Name)
	}

	argv, err := cmdutil.ParseCommandString(sc.EnvCommand)
	if err != nil {
		return fmt.Errorf("invalid env_command: %w", err)
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	env := s.baseEnv(project)
	env["SLIPWAY_DEPLOY_ID"] = deployID

	for _, name := range names {
		_, stderr, code, err := s.run(ctx, append(argv[:len(argv):len(argv)], name, vars[name]), project.Path, env)
		if err != nil {
			return fmt.Errorf("env command failed for %s: %w", name, err)
		}
		if code != 0 {
			return fmt.Errorf("env command failed for %s: %s", name, commandFailure("env", code, stderr))
		}
	}
	return nil
}

// Rollback runs the rollback command with the deploy id to revert.
func (s *Script) Rollback(ctx context.Context, project *config.Project, deployID string) error {
	sc := project.Script
	if sc == nil || sc.RollbackCommand == "" {
		return fmt.Errorf("project '%s' has no rollback_command configured", project.Name)
	}

	_, stderr, code, err := s.runCommand(ctx, project, sc.RollbackCommand, map[string]string{
		"SLIPWAY_DEPLOY_ID": deployID,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s", commandFailure("rollback", code, stderr))
	}

	s.logger.Info("rollback command succeeded", "project", project.Name, "deploy_id", deployID)
	return nil
}

func (s *Script) runCommand(ctx context.Context, project *config.Project, command string, extra map[string]string) (string, string, int, error) {
	argv, err := cmdutil.ParseCommandString(command)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid command: %w", err)
	}

	env := s.baseEnv(project)
	for name, value := range extra {
		env[name] = value
	}
	return s.run(ctx, argv, project.Path, env)
}

// baseEnv is the environment every script invocation receives: the
// project's configured variables plus the project name.
func (s *Script) baseEnv(project *config.Project) map[string]string {
	env := make(map[string]string, len(project.Env)+1)
	for name, value := range project.Env {
		env[name] = value
	}
	env["SLIPWAY_PROJECT"] = project.Name
	return env
}

func commandFailure(op string, code int, stderr string) string {
	msg := fmt.Sprintf("%s command exited with code %d", op, code)
	if detail := strings.TrimSpace(stderr); detail != "" {
		msg += ": " + detail
	}
	return msg
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
