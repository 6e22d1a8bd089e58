//go:build unix

package transport

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child as the leader of a new process group,
// so descendants it spawns can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the child and everything left in its group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	_ = cmd.Process.Kill()
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
