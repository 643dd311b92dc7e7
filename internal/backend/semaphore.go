package backend

import "context"

// Semaphore bounds concurrent subprocess invocations (spec.md §4.2
// MAX_CONCURRENT_CALLS). Callers Acquire a slot before spawning and must
// Release it in a scope-exit handler regardless of outcome.
type Semaphore struct {
	slots chan struct{}
}

// DefaultMaxConcurrentCalls mirrors spec.md §4.2's default.
const DefaultMaxConcurrentCalls = 5

// NewSemaphore returns a Semaphore with n slots. n<=0 falls back to the
// spec default.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultMaxConcurrentCalls
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
