//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// setDaemonSysProcAttr detaches the spawned daemon from the controlling
// terminal so it survives the parent shell.
func setDaemonSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
