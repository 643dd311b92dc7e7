package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is published when config.yaml changes on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the config file (and the failure-kb directory, whose
// pattern overrides should also hot-reload) for changes.
type Watcher struct {
	path     string
	kbDir    string
	logger   *slog.Logger
	events   chan ReloadEvent
}

// NewWatcher creates a Watcher for the config file at path, plus failure-kb
// overrides under kbDir (kbDir may be "").
func NewWatcher(path, kbDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		kbDir:  kbDir,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the channel of reload notifications. Closed when Start's
// context is canceled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	_ = fsw.Add(w.path)
	if w.kbDir != "" {
		_ = fsw.Add(w.kbDir)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
