package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slipway/internal/classify"
	"slipway/internal/events"
	"slipway/internal/platform"
	"slipway/internal/recovery"
	"slipway/internal/security"
	"slipway/internal/supervise"
	"slipway/internal/task"
	"slipway/pkg/cmdutil"
)

// detect resolves the platform adapter and inspects the project tree.
// A project that cannot be recognized and has no configured commands
// fails here rather than producing a pointless empty run.
func (e *Engine) detect(r *run) *phaseFailure {
	adapter, err := e.platforms.Get(r.task.Platform)
	if err != nil {
		return &phaseFailure{
			phase:   task.PhaseDetecting,
			message: fmt.Sprintf("platform unavailable: %v", err),
		}
	}
	r.adapter = adapter

	det, err := adapter.Detect(r.ctx, r.project.Path)
	if err != nil {
		return &phaseFailure{
			phase:   task.PhaseDetecting,
			message: fmt.Sprintf("project detection failed: %v", err),
		}
	}
	r.detection = det

	if det == nil {
		if r.project.InstallCommand == "" && r.project.BuildCommand == "" {
			return &phaseFailure{
				phase: task.PhaseDetecting,
				message: fmt.Sprintf(
					"no recognizable project at %s and no commands configured", r.project.Path),
			}
		}
		e.logTask(r, "info", "detect", "no framework detected, using configured commands")
	} else {
		if det.Framework != "" {
			r.result["framework"] = det.Framework
		}
		if det.PackageManager != "" {
			r.result["package_manager"] = det.PackageManager
		}
		if len(r.result) > 0 {
			e.persist(r, task.Update{Result: r.result})
		}
		e.logTask(r, "info", "detect", describeDetection(det))
	}

	e.setProgress(r, task.ProgressDetected)
	return nil
}

func describeDetection(det *platform.Detection) string {
	fw := det.Framework
	if fw == "" {
		fw = "unknown framework"
	}
	if det.PackageManager != "" {
		return fmt.Sprintf("detected %s project (%s)", fw, det.PackageManager)
	}
	return "detected " + fw + " project"
}

// install runs the dependency installation step. Failures are
// classified and may produce an advisory, but are never remediated
// automatically: an install that fails twice the same way tends to
// need operator attention, not a retry loop.
func (e *Engine) install(r *run) *phaseFailure {
	argv, fail := e.resolveCommand(r, task.PhaseInstalling)
	if fail != nil {
		return fail
	}
	if len(argv) == 0 {
		e.logTask(r, "info", "install", "no install step for this project, skipping")
		e.setProgress(r, task.ProgressInstalled)
		return nil
	}

	res := e.runCommand(r, "install", argv, time.Duration(r.project.InstallTimeout)*time.Second)
	if res.Succeeded {
		e.setProgress(r, task.ProgressInstalled)
		return nil
	}

	sig := e.classifyResult(r, argv, res)
	if sig != nil {
		action := e.recovery.Suggest(sig)
		if action.Confidence >= AdvisoryThreshold {
			e.publishRecovery(r, task.PhaseInstalling, sig, action, "advisory", "")
		}
	}
	return failureFromResult(task.PhaseInstalling, "install", argv, res, sig)
}

// build runs the build step with automatic recovery: a classified
// failure whose suggested action clears the confidence bar is applied
// in place and the build retried, up to MaxRecoveryRetries times.
func (e *Engine) build(r *run) *phaseFailure {
	argv, fail := e.resolveCommand(r, task.PhaseBuilding)
	if fail != nil {
		return fail
	}
	if len(argv) == 0 {
		e.logTask(r, "info", "build", "no build step for this project, skipping")
		e.setProgress(r, task.ProgressBuilt)
		return nil
	}

	timeout := time.Duration(r.project.BuildTimeout) * time.Second

	for attempt := 0; ; attempt++ {
		res := e.runCommand(r, "build", argv, timeout)
		if res.Succeeded {
			e.setProgress(r, task.ProgressBuilt)
			return nil
		}
		if e.interrupted(r) {
			return failureFromResult(task.PhaseBuilding, "build", argv, res, nil)
		}

		sig := e.classifyResult(r, argv, res)
		if sig == nil || res.SpawnErr != "" {
			// Nothing to classify, or the command never ran. A retry
			// cannot change either outcome.
			return failureFromResult(task.PhaseBuilding, "build", argv, res, sig)
		}

		action := e.recovery.Suggest(sig)
		e.logger.Info("build failure classified",
			"task", r.task.ID,
			"rule", sig.Rule,
			"type", sig.Type,
			"signature", sig.Hash,
			"action", action.ID,
			"confidence", action.Confidence,
			"attempt", attempt+1)

		if attempt < e.MaxRecoveryRetries && action.Confidence >= AutoApplyThreshold {
			if err := e.recovery.Validate(action); err != nil {
				e.logger.Info("recovery action not auto-applicable",
					"task", r.task.ID,
					"action", action.ID,
					"reason", err)
			} else if e.applyRecovery(r, sig, action) {
				e.logTask(r, "info", "recovery",
					fmt.Sprintf("applied %s, retrying build (attempt %d)", action.ID, attempt+2))
				continue
			}
		}

		if action.Confidence >= AdvisoryThreshold {
			e.publishRecovery(r, task.PhaseBuilding, sig, action, "advisory", "")
		}
		return failureFromResult(task.PhaseBuilding, "build", argv, res, sig)
	}
}

// applyRecovery executes the action's remedial commands under the
// task's process slot. Returns true when every command succeeded and
// the failed phase should be retried.
func (e *Engine) applyRecovery(r *run, sig *classify.Signature, action recovery.Action) bool {
	cmds, ok := recovery.Commands(action)
	if !ok {
		return false
	}

	if delay := recovery.Delay(action); delay > 0 {
		e.logTask(r, "info", "recovery", "waiting "+delay.String()+" before retrying")
		select {
		case <-r.ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	for _, argv := range cmds {
		if err := security.ValidateRemedialCommand(argv); err != nil {
			e.logTask(r, "warn", "recovery", "refusing remedial command: "+err.Error())
			e.publishRecovery(r, task.PhaseBuilding, sig, action, "auto", "failed")
			return false
		}
		res := e.runCommand(r, "recovery", argv, time.Duration(r.project.InstallTimeout)*time.Second)
		if !res.Succeeded {
			e.logTask(r, "warn", "recovery",
				"remedial command failed: "+cmdutil.FormatCommand(argv))
			e.publishRecovery(r, task.PhaseBuilding, sig, action, "auto", "failed")
			return false
		}
	}

	e.publishRecovery(r, task.PhaseBuilding, sig, action, "auto", "applied")
	return true
}

// deploy authenticates against the platform, pushes the build output,
// syncs project environment variables, and polls until the deployment
// is live or the poll budget runs out.
func (e *Engine) deploy(r *run) *phaseFailure {
	auth := r.adapter.Authenticate(r.ctx, r.project)
	if !auth.OK {
		sig := e.classifyAdapterFailure(r, "authenticate", auth.Err)
		e.adviseAdapterFailure(r, sig)
		return &phaseFailure{
			phase:     task.PhaseDeploying,
			message:   "platform authentication failed: " + auth.Err,
			signature: sig,
		}
	}
	e.logTask(r, "info", "deploy", "authenticated with "+r.adapter.Name()+" as "+auth.Identity)

	outputDir := r.project.OutputDir
	if outputDir == "" && r.detection != nil {
		outputDir = r.detection.OutputDir
	}

	deployCtx := r.ctx
	if r.project.DeployTimeout > 0 {
		var cancel context.CancelFunc
		deployCtx, cancel = context.WithTimeout(r.ctx, time.Duration(r.project.DeployTimeout)*time.Second)
		defer cancel()
	}

	dep := r.adapter.Deploy(deployCtx, r.project, platform.DeployOptions{
		TaskID:    r.task.ID,
		Ref:       r.ref,
		OutputDir: outputDir,
		Env:       r.project.Env,
	})
	if !dep.OK {
		sig := e.classifyAdapterFailure(r, "deploy", dep.Err)
		e.adviseAdapterFailure(r, sig)
		return &phaseFailure{
			phase:     task.PhaseDeploying,
			message:   "deployment failed: " + dep.Err,
			signature: sig,
		}
	}

	r.result["deploy_id"] = dep.DeployID
	if dep.URL != "" {
		r.result["url"] = dep.URL
	}
	e.persist(r, task.Update{Result: r.result})
	e.setProgress(r, task.ProgressDeployed)
	e.logTask(r, "info", "deploy", "deployment created: "+dep.DeployID)

	if len(r.project.Env) > 0 {
		if err := r.adapter.SetEnv(r.ctx, r.project, dep.DeployID, r.project.Env); err != nil {
			e.logTask(r, "warn", "deploy", "failed to sync environment variables: "+err.Error())
		}
	}

	return e.awaitLive(r, dep.DeployID)
}

// awaitLive polls the platform until the deployment reaches a terminal
// state. Each attempt waits the poll interval first, so the budget is
// MaxPollAttempts * PollInterval of wall time.
func (e *Engine) awaitLive(r *run, deployID string) *phaseFailure {
	for attempt := 1; attempt <= e.MaxPollAttempts; attempt++ {
		select {
		case <-r.ctx.Done():
			return &phaseFailure{
				phase:   task.PhaseDeploying,
				message: "interrupted while waiting for deployment",
			}
		case <-time.After(e.PollInterval):
		}

		st := r.adapter.Status(r.ctx, r.project, deployID)
		if !st.Status.Terminal() {
			e.logger.Debug("deployment not ready yet",
				"task", r.task.ID,
				"deploy_id", deployID,
				"status", st.Status,
				"attempt", attempt)
			continue
		}

		if st.Status == platform.StatusError {
			sig := e.classifyAdapterFailure(r, "status", st.Err)
			e.adviseAdapterFailure(r, sig)
			return &phaseFailure{
				phase:     task.PhaseDeploying,
				message:   "deployment failed: " + st.Err,
				signature: sig,
			}
		}

		if st.URL != "" {
			r.result["url"] = st.URL
			e.persist(r, task.Update{Result: r.result})
		}
		e.logTask(r, "info", "deploy", fmt.Sprintf("deployment %s is %s", deployID, st.Status))
		return nil
	}

	return &phaseFailure{
		phase: task.PhaseDeploying,
		message: fmt.Sprintf("deployment %s did not become ready after %d status checks",
			deployID, e.MaxPollAttempts),
	}
}

// resolveCommand picks the command for a phase: an explicit project
// override wins, otherwise the detected default. Empty argv with nil
// failure means the phase has no work.
func (e *Engine) resolveCommand(r *run, phase task.Phase) ([]string, *phaseFailure) {
	var override string
	switch phase {
	case task.PhaseInstalling:
		override = r.project.InstallCommand
	case task.PhaseBuilding:
		override = r.project.BuildCommand
	}

	if override != "" {
		argv, err := cmdutil.ParseCommandString(override)
		if err != nil {
			return nil, &phaseFailure{
				phase:   phase,
				message: fmt.Sprintf("invalid configured command %q: %v", override, err),
			}
		}
		return argv, nil
	}

	if r.detection == nil {
		return nil, nil
	}
	switch phase {
	case task.PhaseInstalling:
		return r.detection.InstallCommand, nil
	case task.PhaseBuilding:
		return r.detection.BuildCommand, nil
	}
	return nil, nil
}

// runCommand executes argv under the supervisor, streaming chunks to
// the bus and appending a redacted transcript to the task log.
func (e *Engine) runCommand(r *run, source string, argv []string, timeout time.Duration) supervise.Result {
	e.logTask(r, "info", source, "running "+cmdutil.FormatCommand(argv))

	res, err := e.supervisor.Run(r.ctx, supervise.Request{
		ID:      r.task.ID,
		Command: argv[0],
		Args:    argv[1:],
		Dir:     r.project.Path,
		Env:     commandEnv(r.project.Env),
		Timeout: timeout,
		Sink: func(evt supervise.StreamEvent) {
			e.bus.Publish(events.New(events.TaskLog, r.task.ID, r.project.Name, map[string]any{
				"level":   "info",
				"source":  string(evt.Kind),
				"message": evt.Chunk,
				"stream":  true,
			}))
		},
	})
	if err != nil {
		res = supervise.Result{ExitCode: -1, SpawnErr: err.Error()}
	}

	e.persist(r, task.Update{AppendLog: e.transcript(r, argv, res)})
	return res
}

// commandEnv is the environment for pipeline commands: CI defaults
// with the project's variables layered on top.
func commandEnv(projectEnv map[string]string) map[string]string {
	env := map[string]string{
		"CI":       "true",
		"NODE_ENV": "production",
	}
	for k, v := range projectEnv {
		env[k] = v
	}
	return env
}

// transcript renders one command execution for the task log, with the
// project secret scrubbed in case a command echoes its environment.
func (e *Engine) transcript(r *run, argv []string, res supervise.Result) string {
	var b strings.Builder
	b.WriteString("$ ")
	b.WriteString(cmdutil.FormatCommand(argv))
	b.WriteByte('\n')
	if res.SpawnErr != "" {
		b.WriteString("spawn failed: ")
		b.WriteString(res.SpawnErr)
		b.WriteByte('\n')
	}
	writeBlock(&b, res.Stdout)
	writeBlock(&b, res.Stderr)
	fmt.Fprintf(&b, "(exit %d in %s)\n", res.ExitCode, res.Duration.Round(time.Millisecond))

	return string(cmdutil.SanitizeOutput([]byte(b.String()), []string{r.project.Secret}))
}

func writeBlock(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	b.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		b.WriteByte('\n')
	}
}

// classifyResult turns a failed command result into a signature,
// annotated with what the run already knows about the project.
func (e *Engine) classifyResult(r *run, argv []string, res supervise.Result) *classify.Signature {
	stderr := res.Stderr
	if res.SpawnErr != "" {
		stderr = res.SpawnErr + "\n" + stderr
	}
	sig := e.classifier.Classify(stderr, res.Stdout)
	if sig == nil {
		return nil
	}

	sig.Command = cmdutil.FormatCommand(argv)
	sig.ExitCode = res.ExitCode
	if r.detection != nil {
		if sig.Context["framework"] == "" && r.detection.Framework != "" {
			sig.Context["framework"] = r.detection.Framework
		}
		if sig.Context["package_manager"] == "" && r.detection.PackageManager != "" {
			sig.Context["package_manager"] = r.detection.PackageManager
		}
	}
	if sig.Context["platform"] == "" {
		sig.Context["platform"] = r.task.Platform
	}
	return sig
}

// classifyAdapterFailure feeds a platform error message through the
// classifier so auth and network problems on the deploy side get the
// same signature treatment as command failures.
func (e *Engine) classifyAdapterFailure(r *run, op, errText string) *classify.Signature {
	if errText == "" {
		return nil
	}
	sig := e.classifier.Classify(errText, "")
	if sig == nil {
		return nil
	}
	sig.Command = r.adapter.Name() + ":" + op
	sig.ExitCode = -1
	if sig.Context["platform"] == "" {
		sig.Context["platform"] = r.task.Platform
	}
	return sig
}

func (e *Engine) adviseAdapterFailure(r *run, sig *classify.Signature) {
	if sig == nil {
		return
	}
	action := e.recovery.Suggest(sig)
	if action.Confidence >= AdvisoryThreshold {
		e.publishRecovery(r, task.PhaseDeploying, sig, action, "advisory", "")
	}
}

// failureFromResult builds the terminal failure for a command that did
// not succeed, preferring the classified message over raw output.
func failureFromResult(phase task.Phase, step string, argv []string, res supervise.Result, sig *classify.Signature) *phaseFailure {
	var msg string
	switch {
	case sig != nil:
		msg = fmt.Sprintf("%s failed: %s", step, sig.Message)
	case res.SpawnErr != "":
		msg = fmt.Sprintf("%s command could not start: %s", step, res.SpawnErr)
	default:
		msg = fmt.Sprintf("%s failed: %s exited with code %d",
			step, cmdutil.FormatCommand(argv), res.ExitCode)
	}
	return &phaseFailure{phase: phase, message: msg, signature: sig}
}
