package memory

import (
	"time"

	"github.com/basket/go-claw/internal/store"
)

// ReinforceSource is the provenance of a reinforcement event (spec.md
// §4.10).
type ReinforceSource string

const (
	SourceRetrieve      ReinforceSource = "retrieve"
	SourceTaskSuccess   ReinforceSource = "task_success"
	SourceTaskFailure   ReinforceSource = "task_failure"
	SourceManualReview  ReinforceSource = "manual_review"
	SourceAssociationHit ReinforceSource = "association_hit"
)

var stabilityFactors = map[ReinforceSource]float64{
	SourceRetrieve:       1.2,
	SourceTaskSuccess:    2.0,
	SourceTaskFailure:    0.8,
	SourceManualReview:   1.5,
	SourceAssociationHit: 1.1,
}

// Reinforce mutates m in place per spec.md §4.10: multiplies stability by a
// source-specific factor (capped at maxStabilityHours), resets
// lastReinforcedAt to now, increments reinforceCount, and adjusts
// decayRate by confidence/category factors.
func Reinforce(m *store.MemoryEntry, source ReinforceSource, now time.Time) {
	factor, ok := stabilityFactors[source]
	if !ok {
		factor = 1.0
	}
	if m.Stability <= 0 {
		m.Stability = defaultStabilityHours
	}
	m.Stability *= factor
	if m.Stability > maxStabilityHours {
		m.Stability = maxStabilityHours
	}

	if m.DecayRate <= 0 {
		m.DecayRate = defaultDecayRate
	}
	switch {
	case m.Confidence >= 0.7:
		m.DecayRate *= 0.7
	case m.Confidence <= 0.3:
		m.DecayRate *= 1.3
	}
	if m.Category == store.MemPitfall {
		m.DecayRate *= 0.9
	}

	m.LastReinforcedAt = now
	m.ReinforceCount++
	m.Strength = 100
	m.UpdatedAt = now
}
