package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-claw/internal/shared"
)

// newLogger builds the process-wide structured logger, writing
// newline-delimited JSON to <dataDir>/logs/orchestrate.jsonl. quiet=true
// (used by detached runner processes, which have no attached terminal)
// skips the stdout mirror.
func newLogger(dataDir string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "orchestrate.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if a.Value.Kind() == slog.KindString {
				if lower := strings.ToLower(a.Key); strings.Contains(lower, "token") || strings.Contains(lower, "secret") || strings.Contains(lower, "password") {
					return slog.String(a.Key, "[REDACTED]")
				}
				return slog.String(a.Key, shared.Redact(a.Value.String()))
			}
			return a
		},
	})
	return slog.New(handler).With("component", "orchestrate"), file, nil
}
