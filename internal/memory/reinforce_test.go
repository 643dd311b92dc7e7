package memory

import (
	"testing"
	"time"

	"github.com/basket/go-claw/internal/store"
)

func TestReinforceMultipliesStabilityBySourceFactor(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: 24, LastReinforcedAt: now.Add(-time.Hour)}
	Reinforce(m, SourceTaskSuccess, now)
	if m.Stability != 48 {
		t.Fatalf("expected stability doubled to 48, got %v", m.Stability)
	}
}

func TestReinforceCapsStabilityAtMax(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: maxStabilityHours - 10, LastReinforcedAt: now}
	Reinforce(m, SourceTaskSuccess, now)
	if m.Stability != maxStabilityHours {
		t.Fatalf("expected stability capped at %v, got %v", maxStabilityHours, m.Stability)
	}
}

func TestReinforceResetsStrengthAndBumpsCount(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: 24, DecayRate: 1, Strength: 12, ReinforceCount: 2, LastReinforcedAt: now.Add(-100 * time.Hour)}
	Reinforce(m, SourceRetrieve, now)
	if m.Strength != 100 {
		t.Fatalf("expected strength reset to 100, got %v", m.Strength)
	}
	if m.ReinforceCount != 3 {
		t.Fatalf("expected reinforceCount incremented to 3, got %v", m.ReinforceCount)
	}
	if !m.LastReinforcedAt.Equal(now) {
		t.Fatalf("expected LastReinforcedAt reset to now")
	}
}

func TestReinforceHighConfidenceSlowsDecayRate(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: 24, DecayRate: 1, Confidence: 0.9, LastReinforcedAt: now}
	Reinforce(m, SourceRetrieve, now)
	if m.DecayRate != 0.7 {
		t.Fatalf("expected decayRate reduced to 0.7 for high confidence, got %v", m.DecayRate)
	}
}

func TestReinforceLowConfidenceSpeedsDecayRate(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: 24, DecayRate: 1, Confidence: 0.1, LastReinforcedAt: now}
	Reinforce(m, SourceRetrieve, now)
	if m.DecayRate != 1.3 {
		t.Fatalf("expected decayRate increased to 1.3 for low confidence, got %v", m.DecayRate)
	}
}

func TestReinforcePitfallCategorySlowsDecayRateFurther(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: 24, DecayRate: 1, Category: store.MemPitfall, LastReinforcedAt: now}
	Reinforce(m, SourceRetrieve, now)
	if m.DecayRate != 0.9 {
		t.Fatalf("expected decayRate reduced to 0.9 for pitfall category, got %v", m.DecayRate)
	}
}

func TestReinforceUnknownSourceDefaultsToNeutralFactor(t *testing.T) {
	now := time.Now()
	m := &store.MemoryEntry{Stability: 24, LastReinforcedAt: now}
	Reinforce(m, ReinforceSource("unknown"), now)
	if m.Stability != 24 {
		t.Fatalf("expected neutral 1.0 factor for unknown source, got stability %v", m.Stability)
	}
}
