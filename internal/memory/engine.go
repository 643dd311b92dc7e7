// Package memory implements an associative memory engine: an
// Ebbinghaus-style forgetting curve, source-weighted reinforcement, three
// kinds of inter-entry associations, BFS activation spreading, and a
// blended keyword/activation retrieval ranking. associativeRetrieve's
// final filter-then-sort step is the only part with a direct precedent
// elsewhere in this codebase (see DESIGN.md for grounding).
package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/store"
)

// Engine ties the package's pure functions to a Store, so callers never
// hand-roll the read-reinforce-write or read-cleanup-write sequences.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger}
}

// Remember creates a new MemoryEntry from content, seeded at full strength.
func (e *Engine) Remember(content string, category store.MemoryCategory, source string, confidence float64) (store.MemoryEntry, error) {
	now := time.Now()
	m := store.MemoryEntry{
		ID:               ids.NewPrefixed("mem"),
		Content:          content,
		Category:         category,
		Keywords:         ExtractKeywords(content),
		Source:           source,
		Confidence:       confidence,
		CreatedAt:        now,
		UpdatedAt:        now,
		Strength:         100,
		Stability:        defaultStabilityHours,
		DecayRate:        defaultDecayRate,
		LastReinforcedAt: now,
	}
	if err := e.store.PutMemory(m); err != nil {
		return store.MemoryEntry{}, err
	}
	return m, nil
}

// ReinforceByID loads, reinforces, and persists one entry by id. A missing
// id is a silent no-op: the caller may be reinforcing a memory that the
// forgetting cleanup already deleted.
func (e *Engine) ReinforceByID(memoryID string, source ReinforceSource) error {
	m, ok := e.store.GetMemory(memoryID)
	if !ok {
		return nil
	}
	Reinforce(&m, source, time.Now())
	return e.store.PutMemory(m)
}

// Retrieve loads every memory entry, recomputes current strength for each,
// and returns the top K by AssociativeRetrieve's blended score. Retrieval
// itself counts as a reinforcement (spec.md §4.10: "retrieve" source) for
// every returned entry, and bumps AccessCount.
func (e *Engine) Retrieve(query string, topK int) ([]Retrieved, error) {
	entries, err := e.store.ListMemories()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range entries {
		entries[i].Strength = Strength(entries[i], now)
	}
	results := AssociativeRetrieve(query, entries, topK)
	for _, r := range results {
		m := r.Entry
		Reinforce(&m, SourceRetrieve, now)
		m.AccessCount++
		if err := e.store.PutMemory(m); err != nil {
			e.logger.Error("memory: failed to persist retrieve reinforcement", "id", m.ID, "error", err)
		}
	}
	return results, nil
}

// RecomputeAllAssociations rebuilds every entry's association edges against
// every other entry and persists the ones that changed.
func (e *Engine) RecomputeAllAssociations() error {
	entries, err := e.store.ListMemories()
	if err != nil {
		return err
	}
	updated := RecomputeAssociations(entries)
	for _, m := range updated {
		if err := e.store.PutMemory(m); err != nil {
			return err
		}
	}
	return nil
}

// CleanupResult summarizes one forgetting-cleanup pass.
type CleanupResult struct {
	Deleted  []string
	Archived []string
}

// Cleanup runs spec.md §4.10's forgetting-curve sweep: entries whose
// current strength drops below deleteThreshold are hard-deleted, entries
// below archiveThreshold are archived (strength zeroed, kept retrievable
// only by direct id lookup, excluded from AssociativeRetrieve).
func (e *Engine) Cleanup() (CleanupResult, error) {
	entries, err := e.store.ListMemories()
	if err != nil {
		return CleanupResult{}, err
	}
	now := time.Now()
	var result CleanupResult
	for _, m := range entries {
		if m.Archived {
			continue
		}
		s := Strength(m, now)
		switch {
		case s < deleteThreshold:
			if err := e.store.DeleteMemory(m.ID); err != nil {
				e.logger.Error("memory: cleanup delete failed", "id", m.ID, "error", err)
				continue
			}
			result.Deleted = append(result.Deleted, m.ID)
		case s < archiveThreshold:
			m.Strength = 0
			m.Archived = true
			m.UpdatedAt = now
			if err := e.store.PutMemory(m); err != nil {
				e.logger.Error("memory: cleanup archive failed", "id", m.ID, "error", err)
				continue
			}
			result.Archived = append(result.Archived, m.ID)
		}
	}
	return result, nil
}

// Run periodically executes Cleanup and RecomputeAllAssociations until ctx
// is cancelled, mirroring the worker/session packages' ticker-loop shape.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Cleanup(); err != nil {
				e.logger.Error("memory: cleanup pass failed", "error", err)
			}
			if err := e.RecomputeAllAssociations(); err != nil {
				e.logger.Error("memory: association recompute failed", "error", err)
			}
		}
	}
}
