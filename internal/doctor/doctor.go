// Package doctor runs a fixed table of startup diagnostics (spec.md §6
// "Environment") and reports PASS/WARN/FAIL/SKIP per check, the way `task
// doctor` answers "why won't this daemon start" before a human has to dig
// through logs.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/sandbox"
	"github.com/basket/go-claw/internal/store"
)

// CheckResult is one diagnostic's outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is the full report `task doctor` prints or serializes.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo identifies the binary and runtime that produced a Diagnosis.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Options bundles the already-constructed components Run inspects. Any
// field may be nil/zero; the corresponding check degrades to SKIP rather
// than panicking, so `task doctor` is safe to run before the daemon has
// fully wired everything up (e.g. pre-genesis).
type Options struct {
	Config  *config.Config
	Store   *store.Store
	Queue   *queue.Queue
	Backend backend.Backend
	Sandbox *sandbox.Host
	Otel    otel.Config
	Version string
}

// Run executes every diagnostic check and returns the aggregate report.
func Run(ctx context.Context, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}

	checks := []func(context.Context, Options) CheckResult{
		checkConfig,
		checkDataDir,
		checkBackend,
		checkQueue,
		checkSandbox,
		checkOtelExporter,
		checkExternalTools,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, opts))
	}
	return d
}

// Failed reports whether any check in d came back FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, opts Options) CheckResult {
	if opts.Config == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if opts.Config.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "no config file found, running with defaults", Detail: fmt.Sprintf("would be written to %s", opts.Config.Path)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", opts.Config.Path)}
}

func checkDataDir(_ context.Context, opts Options) CheckResult {
	if opts.Config == nil || opts.Config.DataDir == "" {
		return CheckResult{Name: "Data directory", Status: "SKIP", Message: "config missing"}
	}
	testFile := filepath.Join(opts.Config.DataDir, ".doctor_write_test")
	if err := os.MkdirAll(opts.Config.DataDir, 0o755); err != nil {
		return CheckResult{Name: "Data directory", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", opts.Config.DataDir, err)}
	}
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Data directory", Status: "FAIL", Message: fmt.Sprintf("%s is not writable: %v", opts.Config.DataDir, err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Data directory", Status: "PASS", Message: fmt.Sprintf("%s is writable", opts.Config.DataDir)}
}

func checkBackend(ctx context.Context, opts Options) CheckResult {
	if opts.Backend == nil {
		return CheckResult{Name: "Backend", Status: "SKIP", Message: "no backend configured"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !opts.Backend.CheckAvailable(checkCtx) {
		backendType := "process"
		if opts.Config != nil && opts.Config.Backend.Type != "" {
			backendType = opts.Config.Backend.Type
		}
		return CheckResult{Name: "Backend", Status: "FAIL", Message: fmt.Sprintf("%s backend is unavailable", backendType)}
	}
	return CheckResult{Name: "Backend", Status: "PASS", Message: "backend reachable"}
}

func checkQueue(ctx context.Context, opts Options) CheckResult {
	if opts.Queue == nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "no queue configured"}
	}
	waiting, err := opts.Queue.ListByStatus(ctx, queue.StatusWaiting)
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("queue unreadable: %v", err)}
	}
	active, err := opts.Queue.ListByStatus(ctx, queue.StatusActive)
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("queue unreadable: %v", err)}
	}
	return CheckResult{
		Name:    "Queue",
		Status:  "PASS",
		Message: fmt.Sprintf("%d waiting, %d active", len(waiting), len(active)),
	}
}

func checkSandbox(ctx context.Context, opts Options) CheckResult {
	if opts.Sandbox == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "no wasm sandbox configured (no script node uses skill_module)"}
	}
	aggregate, perModule, limit := opts.Sandbox.MemoryStats()
	return CheckResult{
		Name:    "Sandbox",
		Status:  "PASS",
		Message: fmt.Sprintf("%d modules loaded, %d/%d pages", len(perModule), aggregate, limit),
	}
}

func checkOtelExporter(_ context.Context, opts Options) CheckResult {
	if !opts.Otel.Enabled {
		return CheckResult{Name: "Tracing", Status: "SKIP", Message: "tracing disabled"}
	}
	switch opts.Otel.Exporter {
	case "", "stdout", "none":
		return CheckResult{Name: "Tracing", Status: "PASS", Message: fmt.Sprintf("exporter=%s", opts.Otel.Exporter)}
	default:
		return CheckResult{Name: "Tracing", Status: "FAIL", Message: fmt.Sprintf("unknown exporter %q (supported: stdout, none)", opts.Otel.Exporter)}
	}
}

func checkExternalTools(ctx context.Context, opts Options) CheckResult {
	if opts.Config == nil || opts.Config.Backend.Type != "docker" {
		return CheckResult{Name: "External tools", Status: "SKIP", Message: "docker backend not configured"}
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "External tools", Status: "FAIL", Message: "docker binary not found in PATH"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(checkCtx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "External tools", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "External tools", Status: "PASS", Message: "docker daemon reachable"}
}
