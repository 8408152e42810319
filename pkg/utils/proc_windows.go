//go:build windows

package utils

import "os/exec"

func SetProcessGroup(cmd *exec.Cmd) {}

func TerminateProcess(cmd *exec.Cmd) error {
	return KillProcess(cmd)
}

func KillProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
