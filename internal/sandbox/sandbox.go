// Package sandbox is the WASM extension point a "script" node can opt into
// (spec.md §4.3): when a Node's Config.SkillModule is set, its Expr is not
// evaluated through internal/expr's safe expression language at all —
// instead a wazero-hosted WASM module runs with no filesystem or network
// access, just a bounded memory budget and wall-clock timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Fault reason codes a skill invocation can fail with.
const (
	FaultModuleNotFound    = "WASM_MODULE_NOT_FOUND"
	FaultTimeout           = "WASM_TIMEOUT"
	FaultMemoryExceeded    = "WASM_MEMORY_EXCEEDED"
	FaultMemoryExhausted   = "WASM_HOST_MEMORY_EXHAUSTED"
	FaultNoExport          = "WASM_NO_EXPORT"
	FaultExecError         = "WASM_FAULT"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page is 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages caps total memory across loaded modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// DefaultInvokeTimeout is the wall-clock limit for a single invocation.
const DefaultInvokeTimeout = 30 * time.Second

// Fault is a structured error from a skill invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", f.Reason, f.Module, f.Detail)
}

// Config configures a Host's resource limits.
type Config struct {
	MemoryLimitPages          uint32
	AggregateMemoryLimitPages uint32
	InvokeTimeout             time.Duration
	Logger                    *slog.Logger
}

// Host owns the wazero runtime and every loaded skill module.
type Host struct {
	logger *slog.Logger

	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
}

// NewHost builds a Host with one host module exporting "host.log" — the
// only capability a guest gets, since this sandbox grants no filesystem or
// network access.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:               cfg.Logger,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

// Close tears down every loaded module and the runtime itself.
func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// HasModule reports whether name is currently loaded.
func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// MemoryStats returns the aggregate pages in use, a per-module breakdown,
// and the configured aggregate limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	return aggregatePages, perModule, h.aggregateMemoryLimit
}

// LoadModuleFromBytes compiles and instantiates a WASM module under name,
// rejecting it if doing so would exceed the aggregate memory budget.
// Loading the same name twice replaces the prior instance.
func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &Fault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages", currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	actualPages := estimatedPages
	func() {
		defer func() { recover() }()
		if mem := module.Memory(); mem != nil {
			if pages, ok := mem.Grow(0); ok {
				actualPages = pages
			}
		}
	}()
	if actualPages == 0 {
		actualPages = 1
	}

	h.modulesMu.Lock()
	h.modules[name] = module
	h.moduleMemoryPages[name] = actualPages
	h.modulesMu.Unlock()

	h.logger.Info("sandbox: wasm module loaded", "module", name, "memoryPages", actualPages)
	return nil
}

// InvokeModule calls a loaded module's "run" (or "main") export, returning
// its first i64/i32 result. Used by the engine for a "script" node whose
// Config.SkillModule is set.
func (h *Host) InvokeModule(ctx context.Context, moduleName string) (int64, error) {
	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return 0, &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	for _, fnName := range []string{"run", "Run", "main"} {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		results, err := fn.Call(invokeCtx)
		if err != nil {
			if fault := classifyFault(moduleName, err); fault != nil {
				h.logger.Warn("sandbox: skill invocation fault", "module", moduleName, "fn", fnName, "reason", fault.Reason)
				return 0, fault
			}
			continue
		}
		if len(results) == 0 {
			return 0, nil
		}
		return int64(results[0]), nil
	}
	return 0, &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "no callable run/main export found"}
}

func classifyFault(moduleName string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: err.Error()}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: err.Error()}
}

func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("sandbox: host.log: failed to read message from wasm memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("sandbox: guest log", "msg", msg)
	case "warn":
		h.logger.Warn("sandbox: guest log", "msg", msg)
	case "debug":
		h.logger.Debug("sandbox: guest log", "msg", msg)
	default:
		h.logger.Info("sandbox: guest log", "msg", msg)
	}
}
