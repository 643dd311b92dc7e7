package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/go-claw/internal/backend"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/memory"
	"github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/safety"
	"github.com/basket/go-claw/internal/sandbox"
	"github.com/basket/go-claw/internal/session"
	"github.com/basket/go-claw/internal/store"
)

// core is every long-lived component a runner or daemon process wires
// together; `run` and `daemon` each build one, differing only in which
// pieces they actually drive (spec.md §6 "Scheduling model").
type core struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Queue   *queue.Queue
	Bus     *bus.Bus
	Backend backend.Backend
	Sandbox *sandbox.Host
	Otel    *otel.Provider
	Engine  *engine.Engine
	Memory  *memory.Engine
	Session *session.Manager
	Persona staticPersona
}

// buildCore loads config, opens the store, and wires every component a
// node execution might need. quiet suppresses the stderr log mirror
// (set for detached per-task runner processes, which own no terminal).
func buildCore(ctx context.Context, dataDir string, quiet bool) (*core, io.Closer, error) {
	cfg, err := config.Load(configPath(dataDir))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logger, closer, err := newLogger(cfg.DataDir, quiet)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	s, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	q := queue.New(s)
	b := bus.NewWithLogger(logger)

	var be backend.Backend
	switch cfg.Backend.Type {
	case "docker":
		dbe, err := backend.NewDockerBackend(cfg.Backend.DockerImg, cfg.Backend.Binary, cfg.Backend.Model, cfg.DataDir, logger)
		if err != nil {
			logger.Error("core: docker backend unavailable, node execution will fail until fixed", "error", err)
		} else {
			be = dbe
		}
	default:
		be = backend.NewProcessBackend(cfg.Backend.Binary, cfg.Backend.Model, logger)
	}

	sandboxHost, err := sandbox.NewHost(ctx, sandbox.Config{Logger: logger})
	if err != nil {
		logger.Warn("core: sandbox host failed to start, script nodes naming a skillModule will fail", "error", err)
		sandboxHost = nil
	}

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "orchestrate",
	})
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("init otel: %w", err)
	}

	persona := staticPersona{}
	eng := engine.New(s, be, b, persona, logger)
	eng.Sandbox = sandboxHost
	eng.Tracer = otelProvider.Tracer
	if m, merr := otel.NewMetrics(otelProvider.Meter); merr == nil {
		eng.Metrics = m
	}
	eng.Sanitizer = safety.NewSanitizer()
	eng.LeakDetector = safety.NewLeakDetector()

	mem := memory.New(s, logger)
	sess := session.New(s, cfg.Session.MaxSessions, cfg.Session.TimeoutMinutes, logger)

	return &core{
		Config:  cfg,
		Logger:  logger,
		Store:   s,
		Queue:   q,
		Bus:     b,
		Backend: be,
		Sandbox: sandboxHost,
		Otel:    otelProvider,
		Engine:  eng,
		Memory:  mem,
		Session: sess,
		Persona: persona,
	}, closer, nil
}

// otelConfigFrom reports the telemetry config doctor's checkOtelExporter
// validates against; core itself always builds a disabled Provider (see
// the grounding ledger for why the daemon does not expose a telemetry.*
// config section of its own yet).
func otelConfigFrom(cfg config.Config) otel.Config {
	return otel.Config{Enabled: false, Exporter: "none", ServiceName: "orchestrate"}
}

func configPath(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return dataDir + "/config.yaml"
}
