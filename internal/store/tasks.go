package store

import (
	"fmt"
	"strings"
	"time"
)

// GetTask loads a task, or the zero Task with ok=false if absent/corrupt.
func (s *Store) GetTask(taskID string) (Task, bool) {
	return readJSON[Task](s, s.taskPath(taskID))
}

// PutTask atomically persists task. Callers are responsible for bumping
// UpdatedAt and validating the status transition before calling PutTask;
// PutTask itself just persists (keeps the store a leaf with no business
// rules, matching spec.md §4.1's read/write contract).
func (s *Store) PutTask(task Task) error {
	return writeJSON(s, s.taskPath(task.ID), task)
}

// ListTaskIDs returns every task id under tasks/, sorted for determinism.
func (s *Store) ListTaskIDs() ([]string, error) {
	entries, err := listDirs(s.Path("tasks"))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return entries, nil
}

// ListTasks loads every task, skipping any whose task.json is absent or
// corrupt (store reads never throw per spec.md §4.1).
func (s *Store) ListTasks() ([]Task, error) {
	ids, err := s.ListTaskIDs()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, id := range ids {
		if t, ok := s.GetTask(id); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetProcessRecord loads process.json for a task.
func (s *Store) GetProcessRecord(taskID string) (ProcessRecord, bool) {
	return readJSON[ProcessRecord](s, s.processPath(taskID))
}

// PutProcessRecord atomically persists process.json.
func (s *Store) PutProcessRecord(taskID string, rec ProcessRecord) error {
	return writeJSON(s, s.processPath(taskID), rec)
}

// GetStats loads stats.json for a task.
func (s *Store) GetStats(taskID string) (WorkflowExecutionStats, bool) {
	return readJSON[WorkflowExecutionStats](s, s.statsPath(taskID))
}

// PutStats atomically persists stats.json.
func (s *Store) PutStats(taskID string, stats WorkflowExecutionStats) error {
	return writeJSON(s, s.statsPath(taskID), stats)
}

// AppendExecutionLog appends one human-readable line
// ("ISO-ts LEVEL [scope] msg") to tasks/<id>/logs/execution.log, redacting
// secrets first (spec.md §6, SPEC_FULL.md ambient stack).
func (s *Store) AppendExecutionLog(taskID, level, scope, msg string) error {
	line := fmt.Sprintf("%s %s [%s] %s",
		time.Now().UTC().Format(time.RFC3339Nano), strings.ToUpper(level), scope, redactForLog(msg))
	return appendLine(s, s.executionLogPath(taskID), line)
}

// AppendConversationLog appends a human-readable LLM conversation line.
func (s *Store) AppendConversationLog(taskID, role, text string) error {
	line := fmt.Sprintf("%s %s: %s", time.Now().UTC().Format(time.RFC3339Nano), role, redactForLog(text))
	return appendLine(s, s.conversationLogPath(taskID), line)
}

// ConversationEntry is one structured line of conversation.jsonl.
type ConversationEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	SessionID string    `json:"sessionId,omitempty"`
}

// AppendConversationEntry appends one structured conversation entry.
func (s *Store) AppendConversationEntry(taskID string, entry ConversationEntry) error {
	entry.Text = redactForLog(entry.Text)
	return appendJSONL(s, s.conversationJSONLPath(taskID), entry)
}

// ListConversationEntries reads every structured conversation entry for a
// task, oldest first. Used by `task logs -f`/`task get --verbose` to render
// the conversation tail.
func (s *Store) ListConversationEntries(taskID string) ([]ConversationEntry, error) {
	return readJSONL[ConversationEntry](s, s.conversationJSONLPath(taskID))
}

// TaskEvent is one structured lifecycle event line of events.jsonl.
type TaskEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	NodeID    string                 `json:"nodeId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// AppendTaskEvent appends one structured lifecycle event.
func (s *Store) AppendTaskEvent(taskID string, ev TaskEvent) error {
	return appendJSONL(s, s.eventsJSONLPath(taskID), ev)
}

// PutResultMarkdown atomically writes the final rendered task result.
func (s *Store) PutResultMarkdown(taskID, markdown string) error {
	return writeFile(s, s.resultPath(taskID), []byte(markdown))
}

// GetResultMarkdown reads the final rendered task result, "" if absent.
func (s *Store) GetResultMarkdown(taskID string) string {
	data, ok := readFile(s.resultPath(taskID))
	if !ok {
		return ""
	}
	return string(data)
}
