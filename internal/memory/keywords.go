package memory

import (
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "to": true,
	"of": true, "in": true, "on": true, "at": true, "for": true, "and": true,
	"or": true, "but": true, "with": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "as": true, "by": true,
	"from": true, "has": true, "have": true, "had": true, "not": true,
	"no": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "can": true, "could": true, "should": true, "i": true,
	"you": true, "he": true, "she": true, "they": true, "we": true,
	"your": true, "my": true, "our": true, "if": true, "so": true,
}

// ExtractKeywords lowercases text and splits it into alphanumeric/CJK runs
// longer than one character, dropping stop words (spec.md §4.10
// associativeRetrieve step 1).
func ExtractKeywords(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) == 0 {
			return
		}
		w := string(cur)
		if len(cur) > 1 && !stopWords[w] {
			out = append(out, w)
		}
		cur = cur[:0]
	}
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// jaccard returns |a ∩ b| / |a ∪ b| over two keyword sets.
func jaccard(a, b []string) float64 {
	setA, setB := toSet(a), toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// keywordOverlapScore scores entry against query's keywords: the fraction
// of query keywords also present in entry's keyword set, in [0,1].
func keywordOverlapScore(queryKeywords, entryKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}
	entrySet := toSet(entryKeywords)
	hits := 0
	for _, w := range queryKeywords {
		if _, ok := entrySet[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryKeywords))
}
