package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RRFSuite struct {
	suite.Suite
}

func TestRRFSuite(t *testing.T) {
	suite.Run(t, new(RRFSuite))
}

func expectedContribution(listIndex, rank int) float64 {
	weight := 1.0
	if listIndex == 0 {
		weight = 2.0
	}
	bonus := 0.0
	if rank == 0 {
		bonus = 0.05
	} else if rank <= 2 {
		bonus = 0.02
	}
	return weight/(60.0+float64(rank)+1.0) + bonus
}

func scoreOf(result []Scored, id int64) (float64, bool) {
	for _, s := range result {
		if s.ID == id {
			return s.Score, true
		}
	}
	return 0, false
}

func (s *RRFSuite) TestEmptyInput() {
	s.Empty(RRF())
	s.Empty(RRF(nil, []int64{}))
}

func (s *RRFSuite) TestSingleList() {
	result := RRF([]int64{7, 3, 9, 4})
	s.Equal([]int64{7, 3, 9, 4}, IDs(result, 0), "order preserved")

	for rank, id := range []int64{7, 3, 9, 4} {
		score, ok := scoreOf(result, id)
		s.Require().True(ok)
		s.InDelta(expectedContribution(0, rank), score, 1e-12)
	}
}

func (s *RRFSuite) TestFirstListWeighsDouble() {
	// 1 tops the primary list, 2 tops the secondary one.
	result := RRF([]int64{1}, []int64{2})
	s.Equal([]int64{1, 2}, IDs(result, 0))

	one, _ := scoreOf(result, 1)
	two, _ := scoreOf(result, 2)
	s.InDelta(expectedContribution(0, 0), one, 1e-12)
	s.InDelta(expectedContribution(1, 0), two, 1e-12)
}

func (s *RRFSuite) TestAgreementWins() {
	// 5 is mid-ranked in both lists; 1 and 2 top only one list each.
	result := RRF([]int64{1, 5}, []int64{2, 5})
	s.Equal(int64(5), result[0].ID)

	five, _ := scoreOf(result, 5)
	s.InDelta(expectedContribution(0, 1)+expectedContribution(1, 1), five, 1e-12)
}

func (s *RRFSuite) TestDeduplicates() {
	result := RRF([]int64{1, 2, 3}, []int64{3, 2, 1}, []int64{2})
	s.Len(result, 3)
}

func (s *RRFSuite) TestTiesKeepFirstSeenOrder() {
	result := RRF(nil, []int64{4}, []int64{8})
	s.Equal([]int64{4, 8}, IDs(result, 0))
}

func TestIDs(t *testing.T) {
	scored := []Scored{{ID: 3}, {ID: 1}, {ID: 2}}
	tests := []struct {
		name  string
		limit int
		want  []int64
	}{
		{"all", 0, []int64{3, 1, 2}},
		{"negative", -1, []int64{3, 1, 2}},
		{"cut", 2, []int64{3, 1}},
		{"above length", 10, []int64{3, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IDs(scored, tt.limit))
		})
	}
}
