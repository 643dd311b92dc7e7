//go:build windows

package main

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a live process. os.FindProcess
// always succeeds on windows, so Signal(0) is used to actually probe it.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
