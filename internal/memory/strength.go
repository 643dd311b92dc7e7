package memory

import (
	"math"
	"time"

	"github.com/basket/go-claw/internal/store"
)

// Defaults and thresholds from spec.md §4.10.
const (
	defaultStabilityHours = 24.0
	defaultDecayRate      = 1.0
	maxStabilityHours     = 8760.0
	deleteThreshold       = 5.0
	archiveThreshold      = 10.0
)

// Strength computes the Ebbinghaus-curve strength of m at time t:
// clamp(0, 100, round(100 * exp(-Δt / (stability/decayRate)))).
func Strength(m store.MemoryEntry, t time.Time) float64 {
	stability := m.Stability
	if stability <= 0 {
		stability = defaultStabilityHours
	}
	decayRate := m.DecayRate
	if decayRate <= 0 {
		decayRate = defaultDecayRate
	}
	deltaHours := t.Sub(m.LastReinforcedAt).Hours()
	if deltaHours < 0 {
		deltaHours = 0
	}
	raw := 100 * math.Exp(-deltaHours/(stability/decayRate))
	return clamp(0, 100, math.Round(raw))
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MigrateLegacy backfills decay fields on an entry that predates the
// forgetting-curve schema (all three zero-valued). Returns whether it
// migrated anything.
func MigrateLegacy(m *store.MemoryEntry) bool {
	if m.Stability != 0 || m.DecayRate != 0 || !m.LastReinforcedAt.IsZero() {
		return false
	}
	m.Stability = defaultStabilityHours
	m.DecayRate = defaultDecayRate
	m.Strength = 100
	m.ReinforceCount = 0
	m.LastReinforcedAt = m.UpdatedAt
	return true
}
