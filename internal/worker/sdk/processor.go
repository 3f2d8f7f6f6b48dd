package sdk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/internal/telemetry"
	"github.com/thebtf/tandem/pkg/models"
)

// Summarizer makes one stateless completion call.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Transcript is the subset of the transcript store curation reads and marks.
type Transcript interface {
	FetchUnprocessed(ctx context.Context, limit int) ([]*models.Observation, error)
	MarkProcessed(ctx context.Context, ids []int64) (int64, error)
}

// Memory is the subset of the memory store curation writes.
type Memory interface {
	SaveBatch(ctx context.Context, learnings []*models.Learning, actions []*models.PendingAction) error
}

// BatchResult summarizes one curation batch.
type BatchResult struct {
	FilesUpdated []string
	Observations int
	Learnings    int
	Actions      int
	Skipped      bool
}

// Processor drains unprocessed observations into MemoryDB and memory files.
type Processor struct {
	transcript Transcript
	memory     Memory
	files      *memory.Files
	loader     *memory.Loader
	summarizer Summarizer

	group singleflight.Group

	mu        sync.RWMutex
	onFlushed []func(ctx context.Context)

	codecOnce sync.Once
	codec     tokenizer.Codec
}

// NewProcessor wires a processor. loader may be nil.
func NewProcessor(transcript Transcript, mem Memory, files *memory.Files, loader *memory.Loader, summarizer Summarizer) *Processor {
	return &Processor{
		transcript: transcript,
		memory:     mem,
		files:      files,
		loader:     loader,
		summarizer: summarizer,
	}
}

// OnFlushed registers a callback run after every batch that stored something.
func (p *Processor) OnFlushed(fn func(ctx context.Context)) {
	p.mu.Lock()
	p.onFlushed = append(p.onFlushed, fn)
	p.mu.Unlock()
}

// Flush runs a batch and discards the result.
func (p *Processor) Flush(ctx context.Context) error {
	_, err := p.ProcessBatch(ctx)
	return err
}

// ProcessBatch curates every unprocessed observation. Concurrent callers
// share one in-flight batch. A failed summarization leaves all stores
// untouched and the observations unprocessed for the next batch.
func (p *Processor) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	v, err, shared := p.group.Do("batch", func() (any, error) {
		return p.processBatch(ctx)
	})
	if shared {
		log.Debug().Msg("Joined in-flight curation batch")
	}
	if err != nil {
		return nil, err
	}
	return v.(*BatchResult), nil
}

func (p *Processor) processBatch(ctx context.Context) (*BatchResult, error) {
	observations, err := p.transcript.FetchUnprocessed(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch unprocessed: %w", err)
	}
	if len(observations) == 0 {
		return &BatchResult{Skipped: true}, nil
	}
	if p.summarizer == nil {
		return nil, errors.New("curation: no summarizer configured")
	}

	sections, err := p.currentSections()
	if err != nil {
		return nil, fmt.Errorf("read memory files: %w", err)
	}
	prompt := BuildCurationPrompt(p.files.Manifest(), sections, observations)
	log.Info().
		Int("observations", len(observations)).
		Int("prompt_bytes", len(prompt)).
		Int("prompt_tokens", p.countTokens(prompt)).
		Msg("Running curation batch")

	response, err := p.summarizer.Summarize(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	parsed := ParseResponse(response, p.files.Manifest())
	lastID := observations[len(observations)-1].ID
	for _, l := range parsed.Learnings {
		l.SourceObservationID = lastID
	}
	for _, a := range parsed.Actions {
		a.SourceObservationID = lastID
	}

	if len(parsed.Learnings) > 0 || len(parsed.Actions) > 0 {
		if err := p.memory.SaveBatch(ctx, parsed.Learnings, parsed.Actions); err != nil {
			return nil, fmt.Errorf("save learnings: %w", err)
		}
	}

	updated := make([]string, 0, len(parsed.FileUpdates))
	for name := range parsed.FileUpdates {
		updated = append(updated, name)
	}
	sort.Strings(updated)
	for _, name := range updated {
		if err := p.files.WriteDaemon(name, parsed.FileUpdates[name]); err != nil {
			return nil, fmt.Errorf("update %s: %w", name, err)
		}
	}

	if entry := journalEntry(parsed, len(observations)); entry != "" {
		if err := p.files.AppendJournal(entry); err != nil {
			log.Warn().Err(err).Msg("Failed to append curation journal entry")
		}
	}

	ids := make([]int64, len(observations))
	for i, o := range observations {
		ids[i] = o.ID
	}
	if _, err := p.transcript.MarkProcessed(ctx, ids); err != nil {
		return nil, fmt.Errorf("mark processed: %w", err)
	}

	if p.loader != nil {
		p.loader.Invalidate()
	}
	telemetry.Batch(ctx, len(parsed.Learnings))

	result := &BatchResult{
		Observations: len(observations),
		Learnings:    len(parsed.Learnings),
		Actions:      len(parsed.Actions),
		FilesUpdated: updated,
	}
	log.Info().
		Int("observations", result.Observations).
		Int("learnings", result.Learnings).
		Int("actions", result.Actions).
		Strs("files", result.FilesUpdated).
		Msg("Curation batch complete")

	if !parsed.Empty() {
		p.mu.RLock()
		callbacks := append([]func(context.Context){}, p.onFlushed...)
		p.mu.RUnlock()
		for _, fn := range callbacks {
			fn(ctx)
		}
	}
	return result, nil
}

// currentSections reads every manifest file in full; the prompt budget does
// not apply to curation.
func (p *Processor) currentSections() ([]memory.Section, error) {
	var sections []memory.Section
	for _, spec := range p.files.Manifest().ByPriority() {
		content, err := p.files.Read(spec.Name)
		if err != nil {
			return nil, err
		}
		sections = append(sections, memory.Section{
			Name:     spec.Name,
			Content:  content,
			Managed:  spec.Managed,
			Priority: spec.Priority,
		})
	}
	return sections, nil
}

func (p *Processor) countTokens(text string) int {
	p.codecOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("Tokenizer unavailable")
			return
		}
		p.codec = codec
	})
	if p.codec == nil {
		return len(text) / 4
	}
	ids, _, err := p.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

func journalEntry(parsed *ParsedResponse, observations int) string {
	if parsed.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Curated %d turns.\n", observations)
	for _, l := range parsed.Learnings {
		fmt.Fprintf(&b, "- %s: %s\n", l.Type, l.Content)
	}
	for _, a := range parsed.Actions {
		fmt.Fprintf(&b, "- ACTION [%s]: %s\n", a.Priority, a.Content)
	}
	if len(parsed.FileUpdates) > 0 {
		names := make([]string, 0, len(parsed.FileUpdates))
		for n := range parsed.FileUpdates {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "- Updated %s\n", strings.Join(names, ", "))
	}
	return b.String()
}
