// Package audit is a structured, append-only log of admin-originated state
// changes (task stop/pause/resume, human approvals issued via the CLI or a
// chat channel) distinct from a task's own per-instance events.jsonl
// (spec.md §6 "task stop/resume/pause").
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-claw/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`   // "stop", "pause", "resume", "approve", "reject"
	TaskID    string `json:"taskId"`
	Decision  string `json:"decision"` // "applied", "denied", "error"
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"` // CLI user, telegram/slack identity, etc
}

var (
	mu          sync.Mutex
	file        *os.File
	deniedCount atomic.Int64
)

// Init opens (creating if needed) logs/audit.jsonl under dataDir. Calling it
// again while already open is a no-op.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close closes the underlying log file. Safe to call when not Init'd.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the total number of "denied" decisions since startup.
func DeniedCount() int64 {
	return deniedCount.Load()
}

// Record appends one audit entry. Reason and actor are redacted before
// persistence since they may originate from free-text CLI/channel input.
func Record(action, taskID, decision, reason, actor string) {
	if decision == "denied" {
		deniedCount.Add(1)
	}

	reason = shared.Redact(reason)
	actor = shared.Redact(actor)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		TaskID:    taskID,
		Decision:  decision,
		Reason:    reason,
		Actor:     actor,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
