package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/pkg/models"
)

// Corrections lists stored learnings by type.
type Corrections interface {
	ListByType(ctx context.Context, typ models.LearningType, limit int) ([]*models.Learning, error)
}

// Maintainer promotes recurring corrections into the Learned Rules section
// of the identity file.
type Maintainer struct {
	memory    Corrections
	files     *memory.Files
	loader    *memory.Loader
	matcher   memory.Matcher
	threshold int

	mu sync.Mutex
}

// NewMaintainer wires a maintainer. loader may be nil; a nil matcher uses
// subject matching and a threshold below one uses three.
func NewMaintainer(mem Corrections, files *memory.Files, loader *memory.Loader, matcher memory.Matcher, threshold int) *Maintainer {
	if matcher == nil {
		matcher = memory.SubjectMatcher{}
	}
	if threshold < 1 {
		threshold = 3
	}
	return &Maintainer{memory: mem, files: files, loader: loader, matcher: matcher, threshold: threshold}
}

// Run rewrites learned rules when a correction group reaches the threshold
// and reports whether the identity file changed.
func (m *Maintainer) Run(ctx context.Context) (bool, error) {
	if m == nil || m.memory == nil || m.files == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	corrections, err := m.memory.ListByType(ctx, models.LearningCorrection, 0)
	if err != nil {
		return false, fmt.Errorf("list corrections: %w", err)
	}
	changed, err := memory.ApplyLearnedRules(m.files, m.matcher, corrections, m.threshold)
	if err != nil {
		return false, err
	}
	if changed {
		if m.loader != nil {
			m.loader.Invalidate()
		}
		log.Info().Int("corrections", len(corrections)).Msg("Learned rules updated")
	}
	return changed, nil
}

// OnFlushed runs maintenance after a curation batch, logging failures.
func (m *Maintainer) OnFlushed(ctx context.Context) {
	if _, err := m.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Correction maintenance failed")
	}
}
