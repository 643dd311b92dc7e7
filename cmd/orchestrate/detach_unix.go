//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the spawned runner in its own session so a signal to
// the daemon/CLI process group never reaches it.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
