package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/channels"
	"github.com/basket/go-claw/internal/doctor"
	"github.com/basket/go-claw/internal/gateway"
	"github.com/basket/go-claw/internal/schedule"
	"github.com/basket/go-claw/internal/store"
)

// runDaemonCommand starts the long-lived orchestrator process (spec.md §6
// "Scheduling model": a long-lived daemon plus per-task detached worker
// processes). The daemon itself never executes a node; it owns the
// scheduler, chat channels, and the read-only event gateway, and relaunches
// per-task runner processes for anything left mid-flight by a crash.
func runDaemonCommand(ctx context.Context, dataDir string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, closer, err := buildCore(ctx, dataDir, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		return 1
	}
	defer closer.Close()
	defer c.Otel.Shutdown(ctx)

	if err := audit.Init(c.Config.DataDir); err != nil {
		c.Logger.Error("daemon: audit init failed", "error", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	binPath, err := currentBinPath()
	if err != nil {
		c.Logger.Error("daemon: could not resolve own executable path", "error", err)
		return 1
	}
	launcher := &processLauncher{BinPath: binPath, DataDir: c.Config.DataDir, Store: c.Store, Logger: c.Logger}

	diag := doctor.Run(ctx, doctor.Options{
		Config:  &c.Config,
		Store:   c.Store,
		Queue:   c.Queue,
		Backend: c.Backend,
		Sandbox: c.Sandbox,
		Otel:    otelConfigFrom(c.Config),
		Version: Version,
	})
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			c.Logger.Warn("daemon: startup diagnostic failing", "check", res.Name, "message", res.Message)
		}
	}

	recoverInterruptedTasks(c.Store, launcher, c.Logger)

	interval := time.Duration(c.Config.Schedule.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sched := schedule.NewScheduler(schedule.Config{Store: c.Store, Launcher: launcher, Logger: c.Logger, Interval: interval})
	sched.Start(ctx)
	defer sched.Stop()

	go c.Memory.Run(ctx, time.Hour)
	go c.Session.Run(ctx, 5*time.Minute)

	var httpServer *http.Server
	var gw *gateway.Server
	if c.Config.Gateway.Addr != "" {
		gw = gateway.New(gateway.Config{
			Bus:          c.Bus,
			AuthToken:    c.Config.Gateway.AuthToken,
			AllowOrigins: c.Config.Gateway.AllowOrigins,
			Logger:       c.Logger,
		})
		gw.Run(ctx)
		httpServer = &http.Server{Addr: c.Config.Gateway.Addr, Handler: gw.Handler()}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.Logger.Error("daemon: gateway server stopped", "error", err)
			}
		}()
	}

	var telegram *channels.TelegramChannel
	if c.Config.Channels.TelegramToken != "" {
		telegram = channels.NewTelegramChannel(c.Config.Channels.TelegramToken, c.Config.Channels.TelegramAllowedIDs, launcher, c.Store, c.Queue, c.Bus, c.Logger)
		go func() {
			if err := telegram.Start(ctx); err != nil && ctx.Err() == nil {
				c.Logger.Error("daemon: telegram channel stopped", "error", err)
			}
		}()
	}

	c.Logger.Info("daemon: ready", "dataDir", c.Config.DataDir)
	<-ctx.Done()
	c.Logger.Info("daemon: shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		gw.Stop()
	}
	return 0
}

// recoverInterruptedTasks relaunches every task left in a non-terminal,
// non-paused status by a previous daemon/runner crash (spec.md §4.7
// resume path, §7 "crash-safe resume").
func recoverInterruptedTasks(s *store.Store, launcher *processLauncher, logger *slog.Logger) {
	tasks, err := s.ListTasks()
	if err != nil {
		logger.Error("daemon: could not scan tasks for recovery", "error", err)
		return
	}
	for _, t := range tasks {
		switch t.Status {
		case store.TaskPlanning, store.TaskDeveloping, store.TaskReviewing, store.TaskWaiting:
			logger.Info("daemon: relaunching interrupted task", "taskId", t.ID, "status", t.Status)
			if err := launcher.LaunchResume(t.ID); err != nil {
				logger.Error("daemon: recovery relaunch failed", "taskId", t.ID, "error", err)
			}
		}
	}
}
