package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockTimeout is the age past which a lock file is considered stale even if
// its holder PID cannot be confirmed dead (spec.md §4.1, §5).
const LockTimeout = 30 * time.Second

const (
	lockSpinAttempts = 10
	lockSpinDelay    = 100 * time.Millisecond
)

// FileLock is a cross-process advisory lock backed by an exclusively-created
// file containing the holder's PID (spec.md §4.1).
type FileLock struct {
	path string
}

// NewFileLock returns a FileLock guarding the given well-known path
// (e.g. "<dataDir>/queue.json.lock").
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryAcquire makes one non-blocking attempt to acquire the lock. It returns
// (true, release, nil) on success; (false, nil, nil) if another live holder
// has it; (false, nil, err) on unexpected I/O failure.
func (l *FileLock) TryAcquire() (bool, func(), error) {
	ok, err := l.tryCreate()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, func() { _ = os.Remove(l.path) }, nil
}

// Acquire blocks (bounded spin of lockSpinAttempts x lockSpinDelay) until the
// lock is obtained, ctx is canceled, or the spin budget is exhausted.
// The returned release func must be called exactly once, including on every
// error path (scope-exit handler).
func (l *FileLock) Acquire(ctx context.Context) (func(), error) {
	for attempt := 0; attempt < lockSpinAttempts; attempt++ {
		ok, release, err := l.TryAcquire()
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockSpinDelay):
		}
	}
	return nil, fmt.Errorf("acquire lock %s: timed out after %d attempts", l.path, lockSpinAttempts)
}

// tryCreate attempts the create-exclusive step of the acquire protocol,
// reclaiming the lock file first if its holder is dead or it is stale.
func (l *FileLock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
		cerr := f.Close()
		if werr != nil {
			return false, werr
		}
		if cerr != nil {
			return false, cerr
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, err
	}

	// EEXIST: decide whether the existing lock is reclaimable.
	if l.reclaimable() {
		_ = os.Remove(l.path)
		// Retry once, immediately, after reclaiming.
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return false, nil // someone else won the race
			}
			return false, err
		}
		_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
		cerr := f.Close()
		if werr != nil {
			return false, werr
		}
		if cerr != nil {
			return false, cerr
		}
		return true, nil
	}
	return false, nil
}

// reclaimable reports whether the current lock holder is dead or the lock
// file is older than LockTimeout.
func (l *FileLock) reclaimable() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// Vanished between EEXIST and Stat; treat as reclaimable (retry will
		// either succeed or lose a benign race).
		return true
	}
	if time.Since(info.ModTime()) >= LockTimeout {
		return true
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return true
	}
	return !processAlive(pid)
}

// processAlive checks liveness via a signal-0 no-op (spec.md §4.1 step 2).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it: alive.
	return err == syscall.EPERM
}
