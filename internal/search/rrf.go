// Package search fuses ranked result lists from independent retrievers.
package search

import "sort"

// K dampens the weight of lower ranks.
const K = 60.0

// Scored is a row id with its fused score.
type Scored struct {
	ID    int64
	Score float64
}

// RRF fuses ranked id lists using Reciprocal Rank Fusion. Each list is
// ordered best first.
//
// Weighting rules:
//   - the first list receives a 2x weight multiplier
//   - top-rank bonuses: rank 0 gets +0.05, ranks 1-2 get +0.02
//
// The result is deduplicated by id and sorted by fused score descending.
// Ties keep first-seen order.
func RRF(lists ...[]int64) []Scored {
	scores := make(map[int64]float64)
	var order []int64

	for listIdx, list := range lists {
		weight := 1.0
		if listIdx == 0 {
			weight = 2.0
		}
		for rank, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += contribution(weight, rank)
		}
	}

	result := make([]Scored, 0, len(order))
	for _, id := range order {
		result = append(result, Scored{ID: id, Score: scores[id]})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result
}

func contribution(weight float64, rank int) float64 {
	bonus := 0.0
	if rank == 0 {
		bonus = 0.05
	} else if rank <= 2 {
		bonus = 0.02
	}
	return weight/(K+float64(rank)+1) + bonus
}

// IDs returns at most limit ids from scored. A non-positive limit keeps all.
func IDs(scored []Scored, limit int) []int64 {
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	ids := make([]int64, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
	}
	return ids
}
