package memory

import (
	"math"
	"sort"

	"github.com/basket/go-claw/internal/store"
)

const (
	keywordOverlapThreshold = 0.3
	coTaskWeight            = 0.5
	temporalWindowHours     = 24.0
)

// candidateAssociations returns every candidate edge from a to b (a's
// perspective) for the three association kinds spec.md §4.10 defines.
func candidateAssociations(a, b store.MemoryEntry) []store.Association {
	var out []store.Association

	if kw := jaccard(a.Keywords, b.Keywords); kw >= keywordOverlapThreshold {
		out = append(out, store.Association{TargetID: b.ID, Weight: kw, Type: store.AssocKeyword})
	}
	if a.Source != "" && a.Source == b.Source {
		out = append(out, store.Association{TargetID: b.ID, Weight: coTaskWeight, Type: store.AssocCoTask})
	}
	dtHours := math.Abs(a.CreatedAt.Sub(b.CreatedAt).Hours())
	if dtHours <= temporalWindowHours {
		w := 0.3 * (1 - dtHours/temporalWindowHours)
		if w > 0.05 {
			out = append(out, store.Association{TargetID: b.ID, Weight: w, Type: store.AssocTemporal})
		}
	}
	return out
}

// mergeAssociations collapses multiple candidate edges to the same target
// into the single highest-weight edge (spec.md §4.10 "merged by max
// weight"), sorted by weight descending for deterministic output.
func mergeAssociations(candidates []store.Association) []store.Association {
	best := make(map[string]store.Association, len(candidates))
	for _, c := range candidates {
		if cur, ok := best[c.TargetID]; !ok || c.Weight > cur.Weight {
			best[c.TargetID] = c
		}
	}
	out := make([]store.Association, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// ComputeAssociations recomputes every entry's associations against every
// other entry (O(n^2) pairwise, spec.md §4.10). It returns a fresh
// map[entryID][]Association; callers persist it back onto each entry.
func ComputeAssociations(entries []store.MemoryEntry) map[string][]store.Association {
	candidates := make(map[string][]store.Association, len(entries))
	for i := range entries {
		for j := range entries {
			if i == j {
				continue
			}
			candidates[entries[i].ID] = append(candidates[entries[i].ID], candidateAssociations(entries[i], entries[j])...)
		}
	}
	out := make(map[string][]store.Association, len(entries))
	for id, cands := range candidates {
		out[id] = mergeAssociations(cands)
	}
	return out
}

// RecomputeAssociations overwrites every entry's Associations field with
// freshly computed edges and returns the updated slice. This is a pure
// recomputation, not a reinforcement event, so it never touches UpdatedAt.
func RecomputeAssociations(entries []store.MemoryEntry) []store.MemoryEntry {
	byID := ComputeAssociations(entries)
	out := make([]store.MemoryEntry, len(entries))
	for i, e := range entries {
		e.Associations = byID[e.ID]
		out[i] = e
	}
	return out
}
