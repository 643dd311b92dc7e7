//go:build !windows

package main

import "syscall"

// processAlive reports whether pid names a live process, by sending the
// null signal (no actual delivery, just an existence/permission check).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
