// Package similarity groups short texts by term overlap.
package similarity

import "strings"

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
	"not": true, "don": true, "dont": true, "use": true, "always": true, "never": true,
	"user": true, "instead": true,
}

// Cluster groups texts whose term sets are at least threshold similar to the
// first member of a group. Input order is preserved and each index appears in
// exactly one group.
func Cluster(texts []string, threshold float64) [][]int {
	termSets := make([]map[string]bool, len(texts))
	for i, t := range texts {
		termSets[i] = ExtractTerms(t)
	}

	clustered := make([]bool, len(texts))
	var groups [][]int
	for i := range texts {
		if clustered[i] {
			continue
		}
		clustered[i] = true
		group := []int{i}
		for j := i + 1; j < len(texts); j++ {
			if clustered[j] {
				continue
			}
			if JaccardSimilarity(termSets[i], termSets[j]) >= threshold {
				clustered[j] = true
				group = append(group, j)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// ExtractTerms tokenizes text into a set of meaningful lowercase terms.
func ExtractTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})
	for _, word := range words {
		if len(word) >= 3 && !stopWords[word] {
			terms[word] = true
		}
	}
	return terms
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
