package hooks

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/privacy"
	"github.com/thebtf/tandem/pkg/models"
)

// Defaults applied when Deps leaves them zero.
const (
	DefaultBatchThreshold = 10
	DefaultKeepProcessed  = 10000
)

// Response is the acknowledgment every hook returns to the agent session.
type Response struct {
	Continue bool `json:"continue"`
}

// Transcript is the subset of the transcript store the hooks write to.
type Transcript interface {
	InsertObservation(ctx context.Context, obs *models.Observation) (int64, error)
	PruneProcessed(ctx context.Context, keep int) (int64, error)
	CountUnprocessed(ctx context.Context) (int, error)
}

// Flusher drains unprocessed observations into curated memory.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Deps are the explicit collaborators of every hook.
type Deps struct {
	Buffer     *TurnBuffer
	Transcript Transcript
	Processor  Flusher
	// Spawn runs a flush in the background. When nil flushes run inline.
	Spawn          func(name string, fn func(ctx context.Context))
	SessionID      string
	BatchThreshold int
	KeepProcessed  int
}

func (d Deps) threshold() int {
	if d.BatchThreshold > 0 {
		return d.BatchThreshold
	}
	return DefaultBatchThreshold
}

func (d Deps) keep() int {
	if d.KeepProcessed > 0 {
		return d.KeepProcessed
	}
	return DefaultKeepProcessed
}

// guard runs fn, logging any error or panic. The agent turn always continues.
func guard(hook string, fn func() error) (resp Response) {
	resp = Response{Continue: true}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("hook", hook).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Hook panicked")
			resp = Response{Continue: true}
		}
	}()
	if err := fn(); err != nil {
		log.Error().Err(err).Str("hook", hook).Msg("Hook failed")
	}
	return resp
}

// PromptSubmitted starts a new turn with the user's prompt.
func PromptSubmitted(_ context.Context, d Deps, prompt string) Response {
	return guard("prompt_submitted", func() error {
		if d.Buffer == nil {
			return nil
		}
		d.Buffer.Clear()
		d.Buffer.SetUserMessage(prompt)
		return nil
	})
}

// PostToolUse records one tool invocation.
func PostToolUse(_ context.Context, d Deps, name string, input, response any) Response {
	return guard("post_tool_use", func() error {
		if d.Buffer == nil {
			return nil
		}
		d.Buffer.AddToolCall(name, stringify(input), stringify(response))
		return nil
	})
}

// TurnStopped persists the finished turn and triggers curation once enough
// unprocessed observations have accumulated.
func TurnStopped(ctx context.Context, d Deps) Response {
	return guard("stop", func() error {
		if d.Buffer == nil || d.Transcript == nil {
			return nil
		}
		turn := d.Buffer.Snapshot()
		d.Buffer.Clear()

		obs := &models.Observation{
			SessionID:     d.SessionID,
			UserMessage:   privacy.Clean(turn.UserMessage),
			AgentResponse: turn.AgentResponse,
			ToolCalls:     turn.ToolCalls,
		}
		if obs.IsEmpty() {
			return nil
		}
		if _, err := d.Transcript.InsertObservation(ctx, obs); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}

		if n, err := d.Transcript.PruneProcessed(ctx, d.keep()); err != nil {
			log.Warn().Err(err).Msg("Prune processed observations failed")
		} else if n > 0 {
			log.Debug().Int64("pruned", n).Msg("Pruned processed observations")
		}

		pending, err := d.Transcript.CountUnprocessed(ctx)
		if err != nil {
			return fmt.Errorf("count unprocessed: %w", err)
		}
		if pending >= d.threshold() {
			log.Info().Int("unprocessed", pending).Msg("Batch threshold reached, flushing")
			d.flush(ctx, "threshold")
		}
		return nil
	})
}

// PreCompact flushes unconditionally before upstream context is discarded.
func PreCompact(ctx context.Context, d Deps) Response {
	return guard("pre_compact", func() error {
		d.flush(ctx, "pre_compact")
		return nil
	})
}

func (d Deps) flush(ctx context.Context, reason string) {
	if d.Processor == nil {
		return
	}
	run := func(ctx context.Context) {
		if err := d.Processor.Flush(ctx); err != nil {
			log.Error().Err(err).Str("reason", reason).Msg("Curation flush failed")
		}
	}
	if d.Spawn != nil {
		d.Spawn("flush:"+reason, run)
		return
	}
	run(ctx)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
