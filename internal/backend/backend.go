// Package backend is the uniform adapter to an LLM code-agent subprocess
// (spec.md §4.2). The agent's own reasoning/tool-use internals are opaque;
// this package only spawns it, streams its NDJSON output, and normalizes
// its failure modes.
package backend

import (
	"context"
	"time"
)

// ErrorKind classifies a backend invocation failure (spec.md §4.2).
type ErrorKind string

const (
	ErrTimeout   ErrorKind = "timeout"
	ErrCancelled ErrorKind = "cancelled"
	ErrProcess   ErrorKind = "process"
)

// Error is the normalized failure shape returned by Invoke.
type Error struct {
	Kind     ErrorKind
	Message  string
	ExitCode *int
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Options configures one Invoke call (spec.md §4.2).
type Options struct {
	Prompt          string
	Cwd             string
	Model           string
	SessionID       string // optional, for continuation
	Stream          bool
	SkipPermissions bool
	DisableMCP      bool
	MCPServers      map[string]bool
	TimeoutMs       int64 // default 30 min
	OnChunk         func(delta string) error
	BackendType     string // override
}

func (o Options) timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Result is the successful outcome of one Invoke call.
type Result struct {
	Prompt        string
	Response      string
	SessionID     string
	DurationMs    int64
	DurationAPIMs int64
	CostUSD       float64
}

// Backend is the uniform interface over an LLM code-agent process.
type Backend interface {
	Invoke(ctx context.Context, opts Options) (Result, error)
	CheckAvailable(ctx context.Context) bool
}

// maxCapturedOutput caps subprocess stdout/stderr capture (spec.md §4.2):
// beyond this, output is truncated with a marker but still drained so the
// subprocess can flush and exit.
const maxCapturedOutput = 100 * 1024 * 1024

const truncationMarker = "\n... [output truncated, exceeded 100MB cap] ...\n"
