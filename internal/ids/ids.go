// Package ids generates opaque entity identifiers.
package ids

import "github.com/google/uuid"

// New returns a fresh opaque id suitable for a Task, Workflow, WorkflowInstance,
// Job, or MemoryEntry.
func New() string {
	return uuid.New().String()
}

// NewPrefixed returns a fresh id with a short human-readable prefix, e.g.
// "task-3fae..." — used where logs benefit from eyeballing entity kind.
func NewPrefixed(prefix string) string {
	return prefix + "-" + uuid.New().String()
}
