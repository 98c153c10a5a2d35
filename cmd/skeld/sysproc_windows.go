//go:build windows

package main

import "os/exec"

func setDaemonSysProcAttr(cmd *exec.Cmd) {
	// no session detach on Windows; the process is already independent
}
