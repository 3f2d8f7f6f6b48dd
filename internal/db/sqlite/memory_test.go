package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/tandem/pkg/models"
)

// MemorySuite is a test suite for MemoryStore operations.
type MemorySuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryStore
}

func (s *MemorySuite) SetupTest() {
	s.ctx = context.Background()
	var err error
	s.store, err = OpenMemory(s.ctx, filepath.Join(s.T().TempDir(), "memory.db"))
	s.Require().NoError(err)
}

func (s *MemorySuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func TestMemorySuite(t *testing.T) {
	suite.Run(t, new(MemorySuite))
}

func (s *MemorySuite) seed() {
	learnings := []*models.Learning{
		{Type: models.LearningFact, Content: "Acme Corp invoices arrive on the first of the month", SourceObservationID: 1},
		{Type: models.LearningPreference, Content: "User prefers compact invoice cards"},
		{Type: models.LearningCorrection, Content: "Tax rate: use 8.25 percent not 8"},
		{Type: models.LearningToolInstall, Content: "pdftotext installed via brew"},
	}
	s.Require().NoError(s.store.SaveBatch(s.ctx, learnings, nil))
}

func (s *MemorySuite) TestSaveBatch_AssignsIDsAndDefaults() {
	l := &models.Learning{Type: models.LearningPattern, Content: "Vendors send PDFs"}
	a := &models.PendingAction{Content: "Follow up with Acme"}
	s.Require().NoError(s.store.SaveBatch(s.ctx, []*models.Learning{l}, []*models.PendingAction{a}))

	s.NotZero(l.ID)
	s.InDelta(0.8, l.Confidence, 1e-9)
	s.NotZero(a.ID)
	s.Equal(models.PriorityNormal, a.Priority)
	s.Equal(models.ActionPending, a.Status)
}

// TestSaveBatch_Atomic tests that one bad row rolls back the whole batch.
func (s *MemorySuite) TestSaveBatch_Atomic() {
	learnings := []*models.Learning{
		{Type: models.LearningFact, Content: "ok"},
		{Type: "ACTION", Content: "not a learning"},
	}
	err := s.store.SaveBatch(s.ctx, learnings, []*models.PendingAction{{Content: "x"}})
	s.Error(err)

	n, err := s.store.CountLearnings(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	actions, err := s.store.ListActions(s.ctx, "", 0)
	s.Require().NoError(err)
	s.Empty(actions)
}

func (s *MemorySuite) TestSearch() {
	s.seed()

	tests := []struct {
		name    string
		query   string
		typ     models.LearningType
		wantLen int
	}{
		{name: "word and substring", query: "invoice", wantLen: 2},
		{name: "fts any word", query: "invoices cards", wantLen: 2},
		{name: "type filter", query: "invoices cards", typ: models.LearningPreference, wantLen: 1},
		{name: "empty query lists", query: "", wantLen: 4},
		{name: "no match", query: "kubernetes", wantLen: 0},
		{name: "fts syntax is neutralised", query: `corp*`, wantLen: 1},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			got, err := s.store.Search(s.ctx, tt.query, tt.typ, 10)
			s.Require().NoError(err)
			s.Len(got, tt.wantLen)
		})
	}
}

func (s *MemorySuite) TestSearch_WordMatchRanksFirst() {
	s.seed()
	got, err := s.store.Search(s.ctx, "invoice", "", 10)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("User prefers compact invoice cards", got[0].Content, "whole-word hit outranks a substring-only hit")
	s.Equal(models.LearningFact, got[1].Type)

	got, err = s.store.Search(s.ctx, "invoice", "", 1)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *MemorySuite) TestSearchLikeFallback() {
	s.seed()
	got, err := s.store.searchLike(s.ctx, "8.25", "", 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(models.LearningCorrection, got[0].Type)

	got, err = s.store.searchLike(s.ctx, "100%", "", 10)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *MemorySuite) TestListByType() {
	s.seed()
	got, err := s.store.ListByType(s.ctx, models.LearningFact, 0)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(int64(1), got[0].SourceObservationID)

	all, err := s.store.ListByType(s.ctx, "", 2)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *MemorySuite) TestActions() {
	low := &models.PendingAction{Content: "tidy stacks", Priority: models.PriorityLow}
	high := &models.PendingAction{Content: "pay Acme", Priority: models.PriorityHigh}
	s.Require().NoError(s.store.SaveBatch(s.ctx, nil, []*models.PendingAction{low, high}))

	pending, err := s.store.ListActions(s.ctx, models.ActionPending, 0)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.Equal("pay Acme", pending[0].Content)

	s.Require().NoError(s.store.UpdateActionStatus(s.ctx, high.ID, models.ActionDone))
	pending, err = s.store.ListActions(s.ctx, models.ActionPending, 0)
	s.Require().NoError(err)
	s.Len(pending, 1)

	s.ErrorIs(s.store.UpdateActionStatus(s.ctx, 999, models.ActionDone), ErrActionNotFound)
	s.Error(s.store.UpdateActionStatus(s.ctx, low.ID, "maybe"))
}
