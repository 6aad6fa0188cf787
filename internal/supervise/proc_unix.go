//go:build unix

package supervise

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so signals
// reach the whole tree. Build tools routinely fork (npm spawns node,
// node spawns bundler workers); signalling only the direct child would
// orphan the rest.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative pid addresses the whole process group.
	return syscall.Kill(-cmd.Process.Pid, sig)
}

// terminate asks the process group to shut down cleanly.
func terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// kill forcibly ends the process group.
func kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}
