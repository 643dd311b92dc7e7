package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/go-claw/internal/pricing"
	"github.com/basket/go-claw/internal/tokenutil"
)

// DockerBackend runs the LLM code-agent subprocess inside an ephemeral,
// network-isolated container instead of on the bare host.
type DockerBackend struct {
	cli       *client.Client
	Image     string
	Binary    string
	Model     string
	Workspace string
	MemoryMB  int64
	Logger    *slog.Logger
	Sem       *Semaphore
}

// NewDockerBackend dials the local Docker daemon via the standard
// environment (DOCKER_HOST et al.) and negotiates its API version.
func NewDockerBackend(image, binary, model, workspace string, logger *slog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if image == "" {
		image = "node:22-alpine"
	}
	return &DockerBackend{
		cli:       cli,
		Image:     image,
		Binary:    binary,
		Model:     model,
		Workspace: workspace,
		MemoryMB:  1024,
		Logger:    logger,
		Sem:       NewSemaphore(0),
	}, nil
}

// CheckAvailable reports whether the Docker daemon is reachable.
func (b *DockerBackend) CheckAvailable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := b.cli.Ping(pingCtx)
	return err == nil
}

// Invoke runs the backend binary inside a fresh, auto-removed container
// bound to the working directory, applying the same timeout/truncation/
// error-normalization contract as ProcessBackend (spec.md §4.2).
func (b *DockerBackend) Invoke(ctx context.Context, opts Options) (Result, error) {
	release, err := b.Sem.Acquire(ctx)
	if err != nil {
		return Result{}, &Error{Kind: ErrCancelled, Message: "timed out waiting for a concurrency slot"}
	}
	defer release()

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	shellCmd := b.buildShellCommand(opts)
	resp, err := b.cli.ContainerCreate(timeoutCtx, &dockercontainer.Config{
		Image:      b.Image,
		Cmd:        []string{"sh", "-c", shellCmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &dockercontainer.HostConfig{
		Resources:   dockercontainer.Resources{Memory: b.MemoryMB * 1024 * 1024},
		NetworkMode: "none",
		Binds:       []string{fmt.Sprintf("%s:/workspace", opts.Cwd)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("create container: %v", err)}
	}
	containerID := resp.ID

	start := time.Now()
	if err := b.cli.ContainerStart(timeoutCtx, containerID, dockercontainer.StartOptions{}); err != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("start container: %v", err)}
	}

	statusCh, errCh := b.cli.ContainerWait(timeoutCtx, containerID, dockercontainer.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("wait container: %v", err)}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-timeoutCtx.Done():
		_ = b.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return Result{}, &Error{Kind: ErrCancelled, Message: "invocation cancelled"}
		}
		return Result{}, &Error{Kind: ErrTimeout, Message: fmt.Sprintf("container exceeded %s", opts.timeout())}
	}
	duration := time.Since(start)

	out, err := b.cli.ContainerLogs(context.Background(), containerID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("get logs: %v", err)}
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out); err != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: fmt.Sprintf("demux logs: %v", err)}
	}

	if exitCode != 0 {
		code := exitCode
		return Result{}, &Error{Kind: ErrProcess, Message: strings.TrimSpace(stderrBuf.String()), ExitCode: &code}
	}

	result, parseErr := parseCapturedStream(stdoutBuf.Bytes(), opts)
	if parseErr != nil {
		return Result{}, &Error{Kind: ErrProcess, Message: parseErr.Error()}
	}
	result.DurationMs = duration.Milliseconds()
	result.Prompt = opts.Prompt
	if result.CostUSD == 0 && b.Model != "" {
		result.CostUSD = pricing.EstimateCost(b.Model, tokenutil.EstimateTokens(opts.Prompt), tokenutil.EstimateTokens(result.Response))
	}
	return result, nil
}

func (b *DockerBackend) buildShellCommand(opts Options) string {
	args := []string{b.Binary, "--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	quoted := strings.Join(args, " ")
	return fmt.Sprintf("%s --prompt %q", quoted, opts.Prompt)
}

// parseCapturedStream applies the same NDJSON/truncation parsing as
// ProcessBackend.consumeStream, over an already-captured byte buffer.
func parseCapturedStream(data []byte, opts Options) (Result, error) {
	var result Result
	var captured int
	var truncated bool
	var responseBuf strings.Builder

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
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
	if result.Response == "" {
		result.Response = responseBuf.String()
	}
	return result, nil
}

// Close releases the underlying Docker client connection.
func (b *DockerBackend) Close() error { return b.cli.Close() }
