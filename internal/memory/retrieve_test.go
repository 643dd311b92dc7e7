package memory

import (
	"testing"
	"time"

	"github.com/basket/go-claw/internal/store"
)

func TestAssociativeRetrieveRanksKeywordMatchFirst(t *testing.T) {
	now := time.Now()
	entries := []store.MemoryEntry{
		{ID: "a", Keywords: []string{"retry", "backoff"}, Stability: 24, DecayRate: 1, LastReinforcedAt: now, CreatedAt: now},
		{ID: "b", Keywords: []string{"unrelated", "words"}, Stability: 24, DecayRate: 1, LastReinforcedAt: now, CreatedAt: now},
	}
	got := AssociativeRetrieve("retry backoff strategy", entries, 5)
	if len(got) == 0 || got[0].Entry.ID != "a" {
		t.Fatalf("expected entry a ranked first, got %+v", got)
	}
}

func TestAssociativeRetrieveExcludesArchivedEntries(t *testing.T) {
	now := time.Now()
	entries := []store.MemoryEntry{
		{ID: "a", Keywords: []string{"retry"}, Stability: 24, DecayRate: 1, LastReinforcedAt: now, CreatedAt: now, Archived: true},
	}
	got := AssociativeRetrieve("retry", entries, 5)
	for _, r := range got {
		if r.Entry.ID == "a" {
			t.Fatal("expected archived entry excluded from retrieval")
		}
	}
}

func TestAssociativeRetrieveRespectsTopK(t *testing.T) {
	now := time.Now()
	var entries []store.MemoryEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, store.MemoryEntry{
			ID: string(rune('a' + i)), Keywords: []string{"retry"},
			Stability: 24, DecayRate: 1, LastReinforcedAt: now, CreatedAt: now,
		})
	}
	got := AssociativeRetrieve("retry", entries, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
}

func TestAssociativeRetrieveWeakStrengthSuppressesScore(t *testing.T) {
	now := time.Now()
	entries := []store.MemoryEntry{
		{ID: "fresh", Keywords: []string{"retry"}, Stability: 24, DecayRate: 1, LastReinforcedAt: now, CreatedAt: now},
		{ID: "stale", Keywords: []string{"retry"}, Stability: 1, DecayRate: 1, LastReinforcedAt: now.Add(-1000 * time.Hour), CreatedAt: now.Add(-1000 * time.Hour)},
	}
	got := AssociativeRetrieve("retry", entries, 5)
	if len(got) != 2 {
		t.Fatalf("expected both entries scored, got %d", len(got))
	}
	var freshScore, staleScore float64
	for _, r := range got {
		if r.Entry.ID == "fresh" {
			freshScore = r.Score
		} else {
			staleScore = r.Score
		}
	}
	if !(freshScore > staleScore) {
		t.Fatalf("expected fresh entry to outscore decayed entry: fresh=%v stale=%v", freshScore, staleScore)
	}
}

func TestAssociativeRetrieveDefaultsTopKWhenZero(t *testing.T) {
	now := time.Now()
	var entries []store.MemoryEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, store.MemoryEntry{
			ID: string(rune('a' + i)), Keywords: []string{"retry"},
			Stability: 24, DecayRate: 1, LastReinforcedAt: now, CreatedAt: now,
		})
	}
	got := AssociativeRetrieve("retry", entries, 0)
	if len(got) != 5 {
		t.Fatalf("expected default topK of 5, got %d", len(got))
	}
}
