//go:build windows

package main

import "os/exec"

// detachProcess is a no-op on windows; the runner still runs as a normal
// child process but the daemon/CLI never waits on it.
func detachProcess(cmd *exec.Cmd) {}
