package memory

import (
	"sort"

	"github.com/basket/go-claw/internal/store"
)

const (
	defaultActivationDepth = 2
	activationEdgeDecay    = 0.5
	activationCutoff       = 0.01
)

// Activated is one entry reached by activation spreading and its score.
type Activated struct {
	ID         string
	Activation float64
}

// SpreadActivation does BFS from seedID over entries' association edges:
// each hop multiplies activation by edgeWeight*activationEdgeDecay, and
// entries whose activation falls below activationCutoff are dropped
// (spec.md §4.10). The seed itself is returned with activation 1.0.
func SpreadActivation(seedID string, byID map[string]store.MemoryEntry, maxDepth int) []Activated {
	if maxDepth <= 0 {
		maxDepth = defaultActivationDepth
	}
	visited := map[string]float64{seedID: 1.0}
	frontier := []string{seedID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			entry, ok := byID[id]
			if !ok {
				continue
			}
			fromActivation := visited[id]
			for _, assoc := range entry.Associations {
				activation := fromActivation * assoc.Weight * activationEdgeDecay
				if activation < activationCutoff {
					continue
				}
				if cur, ok := visited[assoc.TargetID]; !ok || activation > cur {
					visited[assoc.TargetID] = activation
					next = append(next, assoc.TargetID)
				}
			}
		}
		frontier = next
	}

	out := make([]Activated, 0, len(visited))
	for id, act := range visited {
		out = append(out, Activated{ID: id, Activation: act})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Activation != out[j].Activation {
			return out[i].Activation > out[j].Activation
		}
		return out[i].ID < out[j].ID
	})
	return out
}
