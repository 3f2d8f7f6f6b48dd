package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/config"
	workspacedb "github.com/thebtf/tandem/internal/db/gorm"
	"github.com/thebtf/tandem/internal/db/sqlite"
	"github.com/thebtf/tandem/internal/memory"
)

// stores are the three databases plus the memory file set, opened once and
// shared by every component.
type stores struct {
	transcript *sqlite.TranscriptStore
	memory     *sqlite.MemoryStore
	workspace  *workspacedb.Store
	files      *memory.Files
	loader     *memory.Loader
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}
	var err error
	if s.transcript, err = sqlite.OpenTranscript(ctx, config.TranscriptDBPath()); err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	if s.memory, err = sqlite.OpenMemory(ctx, config.MemoryDBPath()); err != nil {
		s.Close()
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	s.workspace, err = workspacedb.NewStore(workspacedb.Config{
		Path:     config.WorkspaceDBPath(),
		MaxConns: cfg.MaxConns,
		LogLevel: gormLevel(cfg.LogLevel),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open workspace db: %w", err)
	}

	manifest, err := memory.LoadManifest(cfg.MemoryManifest)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load memory manifest: %w", err)
	}
	s.files = memory.NewFiles(config.MemoryDir(), manifest)
	if err := s.files.EnsureDefaults(); err != nil {
		s.Close()
		return nil, err
	}
	s.loader = memory.NewLoader(s.files, cfg.MemoryBudgetBytes)
	return s, nil
}

// Close closes every open database. Safe on a partially opened set.
func (s *stores) Close() {
	var errs []error
	if s.workspace != nil {
		errs = append(errs, s.workspace.Close())
	}
	if s.memory != nil {
		errs = append(errs, s.memory.Close())
	}
	if s.transcript != nil {
		errs = append(errs, s.transcript.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to close stores")
	}
}
