package memory

import (
	"sort"
	"time"

	"github.com/basket/go-claw/internal/store"
)

const defaultSeedCount = 3

// Retrieved is one scored result from AssociativeRetrieve.
type Retrieved struct {
	Entry store.MemoryEntry
	Score float64
}

// AssociativeRetrieve implements spec.md §4.10's associativeRetrieve:
// extract query keywords, score every (non-archived) entry by keyword
// overlap, spread activation from the top seeds, blend keyword and
// activation scores weighted by current strength, and return the top K.
func AssociativeRetrieve(query string, entries []store.MemoryEntry, topK int) []Retrieved {
	if topK <= 0 {
		topK = 5
	}
	now := time.Now()
	queryKeywords := ExtractKeywords(query)

	active := make([]store.MemoryEntry, 0, len(entries))
	byID := make(map[string]store.MemoryEntry, len(entries))
	for _, e := range entries {
		if e.Archived {
			continue
		}
		active = append(active, e)
		byID[e.ID] = e
	}

	keywordScores := make(map[string]float64, len(active))
	for _, e := range active {
		keywordScores[e.ID] = keywordOverlapScore(queryKeywords, e.Keywords)
	}

	seeds := topSeeds(active, keywordScores, defaultSeedCount)

	activationUnion := make(map[string]float64)
	for _, seedID := range seeds {
		for _, act := range SpreadActivation(seedID, byID, defaultActivationDepth) {
			if cur, ok := activationUnion[act.ID]; !ok || act.Activation > cur {
				activationUnion[act.ID] = act.Activation
			}
		}
	}

	candidateIDs := make(map[string]struct{})
	for id, score := range keywordScores {
		if score > 0 {
			candidateIDs[id] = struct{}{}
		}
	}
	for id := range activationUnion {
		candidateIDs[id] = struct{}{}
	}

	results := make([]Retrieved, 0, len(candidateIDs))
	for id := range candidateIDs {
		entry, ok := byID[id]
		if !ok {
			continue
		}
		kw := keywordScores[id]
		act := activationUnion[id]
		strength := Strength(entry, now) / 100
		final := (0.6*kw + 0.4*act) * strength
		results = append(results, Retrieved{Entry: entry, Score: final})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func topSeeds(entries []store.MemoryEntry, scores map[string]float64, n int) []string {
	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		if s := scores[e.ID]; s > 0 {
			ranked = append(ranked, scored{e.ID, s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}
