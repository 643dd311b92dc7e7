package main

import (
	"fmt"
	"log/slog"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/store"
)

// openStore resolves the configured data directory and opens the store
// only, for CLI subcommands (`task list/get/logs/stop/resume/pause`) that
// never need a backend, engine, or sandbox.
func openStore(dataDir string) (*store.Store, func(), error) {
	cfg, err := config.Load(configPath(dataDir))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	s, err := store.Open(cfg.DataDir, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return s, func() {}, nil
}

// defaultCLILogger is the logger a short-lived CLI command hands to a
// processLauncher it spins up; CLI commands themselves log to stderr via
// fmt, not through slog, so there is no file handle to close here.
func defaultCLILogger() *slog.Logger {
	return slog.Default()
}
