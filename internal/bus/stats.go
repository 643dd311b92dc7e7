package bus

import (
	"sync"
	"time"
)

// InstanceStats is the live WorkflowExecutionStats counter for one workflow
// instance, kept up to date by StatsAggregator.Observe (spec.md §4.8, last
// paragraph).
type InstanceStats struct {
	InstanceID      string
	NodesStarted    int
	NodesCompleted  int
	NodesFailed     int
	NodesSkipped    int
	TotalDurationMs int64
	TotalCostUSD    float64
	NodeDurationMs  map[string]int64
	NodeCostUSD     map[string]float64
	StartedAt       time.Time
	UpdatedAt       time.Time
	Dirty           bool
}

func (s InstanceStats) clone() InstanceStats {
	out := s
	out.NodeDurationMs = make(map[string]int64, len(s.NodeDurationMs))
	for k, v := range s.NodeDurationMs {
		out.NodeDurationMs[k] = v
	}
	out.NodeCostUSD = make(map[string]float64, len(s.NodeCostUSD))
	for k, v := range s.NodeCostUSD {
		out.NodeCostUSD[k] = v
	}
	return out
}

// StatsAggregator subscribes (via Observe) to every event Emit/EmitAsync
// publishes and maintains per-instance execution stats so the task runner
// can persist them on a debounce without recomputing from the node-state
// map on every tick.
type StatsAggregator struct {
	mu        sync.Mutex
	instances map[string]*InstanceStats
}

// NewStatsAggregator builds an empty aggregator.
func NewStatsAggregator() *StatsAggregator {
	return &StatsAggregator{instances: make(map[string]*InstanceStats)}
}

// Observe folds one event into its instance's running stats. Called from
// Bus.Emit, so it must never block.
func (s *StatsAggregator) Observe(ev Event) {
	if ev.InstanceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	st, ok := s.instances[ev.InstanceID]
	if !ok {
		st = &InstanceStats{
			InstanceID:     ev.InstanceID,
			StartedAt:      now,
			NodeDurationMs: map[string]int64{},
			NodeCostUSD:    map[string]float64{},
		}
		s.instances[ev.InstanceID] = st
	}
	switch ev.Type {
	case EventNodeStarted:
		st.NodesStarted++
	case EventNodeCompleted:
		st.NodesCompleted++
		durationMs := int64FromPayload(ev.Payload, "durationMs")
		costUSD := float64FromPayload(ev.Payload, "costUSD")
		st.TotalDurationMs += durationMs
		st.TotalCostUSD += costUSD
		if ev.NodeID != "" {
			st.NodeDurationMs[ev.NodeID] += durationMs
			st.NodeCostUSD[ev.NodeID] += costUSD
		}
	case EventNodeFailed:
		st.NodesFailed++
	case EventNodeSkipped:
		st.NodesSkipped++
	}
	st.UpdatedAt = now
	st.Dirty = true
}

// Snapshot returns a copy of one instance's stats, or false if no event has
// been observed for it yet.
func (s *StatsAggregator) Snapshot(instanceID string) (InstanceStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	if !ok {
		return InstanceStats{}, false
	}
	return st.clone(), true
}

// TakeDirty returns every instance's stats that changed since the last call
// and clears their dirty flag, for debounced periodic persistence. terminal
// forces inclusion of instanceID regardless of dirty state (terminal events
// must persist immediately, not wait for the next debounce tick).
func (s *StatsAggregator) TakeDirty(terminal string) []InstanceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InstanceStats
	for id, st := range s.instances {
		if st.Dirty || id == terminal {
			out = append(out, st.clone())
			st.Dirty = false
		}
	}
	return out
}

// Forget drops an instance's stats, e.g. once its WorkflowExecutionStats
// have been durably persisted and the instance reached a terminal state.
func (s *StatsAggregator) Forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
}

func int64FromPayload(p map[string]interface{}, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func float64FromPayload(p map[string]interface{}, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
