//go:build windows

package supervise

import "os/exec"

// Windows has no process groups in the POSIX sense and no graceful
// termination signal for arbitrary console processes, so both stages
// resolve to Kill.

func setProcGroup(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
