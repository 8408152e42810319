//go:build !windows

package utils

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup starts cmd in its own process group so that a shell and
// everything it spawned can be signalled together.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// TerminateProcess sends SIGTERM to the process group of cmd.
func TerminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// KillProcess sends SIGKILL to the process group of cmd.
func KillProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
