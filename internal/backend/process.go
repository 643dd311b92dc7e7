package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/pricing"
	"github.com/basket/go-claw/internal/tokenutil"
)

// ProcessBackend invokes a bare LLM code-agent subprocess on the host.
type ProcessBackend struct {
	Binary string
	Model  string
	Logger *slog.Logger
	Sem    *Semaphore
}

// NewProcessBackend returns a ProcessBackend, defaulting the semaphore to
// spec.md §4.2's MAX_CONCURRENT_CALLS.
func NewProcessBackend(binary, model string, logger *slog.Logger) *ProcessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessBackend{Binary: binary, Model: model, Logger: logger, Sem: NewSemaphore(0)}
}

// CheckAvailable reports whether the configured binary resolves on PATH.
func (b *ProcessBackend) CheckAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(b.Binary)
	return err == nil
}

// Invoke spawns the subprocess with the resolved arguments, streams its
// NDJSON stdout, and normalizes any failure (spec.md §4.2).
func (b *ProcessBackend) Invoke(ctx context.Context, opts Options) (Result, error) {
	release, err := b.Sem.Acquire(ctx)
	if err != nil {
		return Result{}, &Error{Kind: ErrCancelled, Message: "timed out waiting for a concurrency slot"}
	}
	defer release()

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	args := b.buildArgs(opts)
	cmd := exec.CommandContext(timeoutCtx, b.Binary, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("stdout pipe: %v", err)}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("spawn failed: %v", err)}
	}

	result, parseErr := b.consumeStream(stdout, opts)
	waitErr := cmd.Wait()
	duration := time.Since(start)

	if timeoutCtx.Err() == context.DeadlineExceeded {
		return Result{}, &Error{Kind: ErrTimeout, Message: fmt.Sprintf("subprocess exceeded %s", opts.timeout())}
	}
	if ctx.Err() != nil {
		return Result{}, &Error{Kind: ErrCancelled, Message: "invocation cancelled"}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		exitCode := -1
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return Result{}, &Error{Kind: ErrProcess, Message: msg, ExitCode: &exitCode}
	}
	if parseErr != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: parseErr.Error()}
	}

	result.DurationMs = duration.Milliseconds()
	if result.CostUSD == 0 && b.Model != "" {
		result.CostUSD = pricing.EstimateCost(b.Model, tokenutil.EstimateTokens(opts.Prompt), tokenutil.EstimateTokens(result.Response))
	}
	result.Prompt = opts.Prompt
	return result, nil
}

func (b *ProcessBackend) buildArgs(opts Options) []string {
	args := []string{"--output-format", "stream-json", "--prompt", opts.Prompt}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.DisableMCP {
		args = append(args, "--no-mcp")
	}
	for name := range opts.MCPServers {
		args = append(args, "--mcp-server", name)
	}
	return args
}

// consumeStream parses NDJSON lines from r, forwarding text deltas to
// opts.OnChunk and capturing the terminal result event. Output beyond
// maxCapturedOutput is truncated with a marker but r is still drained.
func (b *ProcessBackend) consumeStream(r io.Reader, opts Options) (Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var result Result
	var captured int
	var truncated bool
	var responseBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Bytes()
		captured += len(line)
		if captured > maxCapturedOutput {
			if !truncated {
				responseBuf.WriteString(truncationMarker)
				truncated = true
			}
			continue
		}
		ev, ok := parseStreamLine(line)
		if !ok {
			continue
		}
		switch ev.Type {
		case eventTextDelta:
			responseBuf.WriteString(ev.Delta)
			if opts.OnChunk != nil {
				if err := opts.OnChunk(ev.Delta); err != nil {
					return Result{}, err
				}
			}
		case eventResult:
			result.Response = ev.Response
			result.SessionID = ev.SessionID
			result.DurationAPIMs = ev.DurationAPIMs
			result.CostUSD = ev.CostUSD
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("reading subprocess stdout: %w", err)
	}
	if result.Response == "" {
		result.Response = responseBuf.String()
	}
	return result, nil
}
