//go:build unix

package preview

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell and its children in their own group so
// Kill reaches the node process behind npm.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
