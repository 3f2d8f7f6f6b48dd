// Package session wraps the agent capability in a per-session runtime that
// survives transport reconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/internal/telemetry"
	"github.com/thebtf/tandem/internal/tools"
	"github.com/thebtf/tandem/pkg/hooks"
	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

// Defaults applied when Config leaves them zero.
const (
	DefaultTurnTimeout    = 300 * time.Second
	DefaultReconnectGrace = 60 * time.Second
	DefaultMaxTurns       = 25
)

const basePrompt = `You are tandem, a workspace assistant. Present structured results on the canvas with the card tools. The user's memory files follow.`

// SendFunc delivers one outbound message to the attached transport.
type SendFunc func(protocol.Envelope) error

// Transcript is the transcript store as used by the runtime and its hooks.
type Transcript interface {
	hooks.Transcript
	StartSession(ctx context.Context, sessionKey string) (int64, error)
	SetAgentSessionID(ctx context.Context, id int64, agentSessionID string) error
	EndSession(ctx context.Context, id int64, status models.SessionStatus) error
	LatestSession(ctx context.Context, sessionKey string) (*models.Session, error)
}

// Workspace is the workspace store as used by the runtime and its tools.
type Workspace interface {
	tools.Workspace
	AddChatMessage(ctx context.Context, role models.ChatRole, content string) (*models.ChatMessage, error)
}

// Config tunes every session a Manager creates.
type Config struct {
	Model          string
	MaxTurns       int
	TurnTimeout    time.Duration
	ReconnectGrace time.Duration
	BatchThreshold int
	MemoryTools    bool
}

// Deps are the shared collaborators of every session. Only Backend is required.
type Deps struct {
	Backend    agent.Backend
	Loader     *memory.Loader
	Transcript Transcript
	Processor  hooks.Flusher
	Workspace  Workspace
	Memory     tools.Searcher
	Journal    tools.Journal
	// Spawn runs background work such as curation flushes.
	Spawn func(name string, fn func(ctx context.Context))
}

// AgentSession owns at most one live agent handle for a logical session.
type AgentSession struct {
	key    string
	deps   Deps
	cfg    Config
	buffer *hooks.TurnBuffer

	// turnMu admits one turn at a time.
	turnMu  sync.Mutex
	turnGen atomic.Uint64

	sendMu    sync.Mutex
	send      SendFunc
	gen       uint64
	connected bool
	grace     *time.Timer

	mu          sync.Mutex
	handle      agent.Handle
	rowID       int64
	agentID     string
	activeStack string
	closed      bool
}

func newAgentSession(key string, deps Deps, cfg Config) *AgentSession {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = DefaultReconnectGrace
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &AgentSession{key: key, deps: deps, cfg: cfg, buffer: hooks.NewTurnBuffer()}
}

// Key returns the logical session key.
func (s *AgentSession) Key() string { return s.key }

// UpdateSendFn attaches a new transport and returns its generation.
func (s *AgentSession) UpdateSendFn(fn SendFunc) uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.gen++
	s.send = fn
	s.connected = fn != nil
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	log.Debug().Str("session", s.key).Uint64("generation", s.gen).Msg("Transport attached")
	return s.gen
}

// Generation returns the current transport generation.
func (s *AgentSession) Generation() uint64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.gen
}

// Connected reports whether a transport is attached.
func (s *AgentSession) Connected() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.connected
}

// Detach marks generation gen disconnected. If no transport attaches within
// the reconnect grace period the agent handle is released.
func (s *AgentSession) Detach(gen uint64) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if gen != s.gen || !s.connected {
		return
	}
	s.connected = false
	s.send = nil
	if s.grace != nil {
		s.grace.Stop()
	}
	s.grace = time.AfterFunc(s.cfg.ReconnectGrace, func() {
		s.sendMu.Lock()
		expired := s.gen == gen && !s.connected
		s.sendMu.Unlock()
		if expired {
			log.Info().Str("session", s.key).Msg("Reconnect grace expired, releasing agent handle")
			s.discard(models.SessionStatusCompleted)
		}
	})
	log.Debug().Str("session", s.key).Uint64("generation", gen).Msg("Transport detached")
}

// Send delivers env on the current transport. Sends while disconnected are dropped.
func (s *AgentSession) Send(env protocol.Envelope) {
	s.sendFrom(s.Generation(), env)
}

// sendFrom delivers env only if gen is still the attached generation.
func (s *AgentSession) sendFrom(gen uint64, env protocol.Envelope) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.connected || s.send == nil {
		return
	}
	if gen != s.gen {
		log.Debug().
			Str("session", s.key).
			Uint64("stale", gen).
			Uint64("current", s.gen).
			Str("type", string(env.Type)).
			Msg("Dropping send from stale generation")
		return
	}
	if err := s.send(env); err != nil {
		log.Warn().Err(err).Str("session", s.key).Str("type", string(env.Type)).Msg("Send failed")
	}
}

// emitTurn sends on behalf of the running turn.
func (s *AgentSession) emitTurn(env protocol.Envelope) {
	s.sendFrom(s.turnGen.Load(), env)
}

// SetActiveStack scopes subsequent canvas tool calls to stackID.
func (s *AgentSession) SetActiveStack(stackID string) {
	s.mu.Lock()
	s.activeStack = stackID
	s.mu.Unlock()
}

// ActiveStack returns the stack canvas tools write into.
func (s *AgentSession) ActiveStack() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStack
}

// HasHandle reports whether an agent handle is live.
func (s *AgentSession) HasHandle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// HandleMessage runs one turn. A failure that delivered nothing while
// continuing a previous agent session, whether on a live handle or resumed
// from the transcript, is retried once on a fresh session. Anything else is
// surfaced as one agent_event error and the handle is discarded so the next
// message starts fresh.
func (s *AgentSession) HandleMessage(ctx context.Context, text string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return agent.ErrSessionClosed
	}

	gen := s.Generation()
	s.turnGen.Store(gen)

	h, continued, err := s.ensureHandle(ctx, true)
	if err != nil {
		s.reportError(ctx, gen, err)
		return err
	}

	delivered, err := s.runTurn(ctx, h, text, gen)
	if err != nil && continued && !delivered && ctx.Err() == nil {
		log.Warn().Err(err).Str("session", s.key).Msg("Continuation failed, restarting agent session")
		s.discard(models.SessionStatusFailed)
		h, _, err = s.ensureHandle(ctx, false)
		if err == nil {
			_, err = s.runTurn(ctx, h, text, gen)
		}
	}
	if err != nil {
		s.discard(models.SessionStatusFailed)
		s.reportError(ctx, gen, err)
		return err
	}
	return nil
}

// ensureHandle returns the live handle, opening one when needed. continued
// is true when the handle carries an earlier agent conversation: it was
// already live, or it was opened with a resume id.
func (s *AgentSession) ensureHandle(ctx context.Context, resume bool) (agent.Handle, bool, error) {
	s.mu.Lock()
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, true, nil
	}
	resumeID := ""
	if resume {
		resumeID = s.agentID
	}
	s.mu.Unlock()

	if resume && resumeID == "" && s.deps.Transcript != nil {
		if last, err := s.deps.Transcript.LatestSession(ctx, s.key); err != nil {
			log.Warn().Err(err).Str("session", s.key).Msg("Failed to look up previous agent session")
		} else if last != nil {
			resumeID = last.AgentSessionID
		}
	}

	opts := agent.Options{
		SystemPrompt: s.systemPrompt(),
		ResumeID:     resumeID,
		Model:        s.cfg.Model,
		MaxTurns:     s.cfg.MaxTurns,
		Timeout:      s.cfg.TurnTimeout,
		Tools:        []agent.ToolServer{s.toolServer()},
	}
	if s.deps.Transcript != nil && s.deps.Processor != nil {
		opts.Hooks = s.hooks()
	}

	h, err := s.deps.Backend.Open(ctx, opts)
	if err != nil {
		return nil, false, fmt.Errorf("open agent session: %w", err)
	}

	var rowID int64
	if s.deps.Transcript != nil {
		if rowID, err = s.deps.Transcript.StartSession(ctx, s.key); err != nil {
			log.Warn().Err(err).Str("session", s.key).Msg("Failed to record session start")
		}
	}

	s.mu.Lock()
	s.handle = h
	s.rowID = rowID
	s.mu.Unlock()

	log.Info().Str("session", s.key).Str("resume", resumeID).Msg("Agent session started")
	return h, resumeID != "", nil
}

func (s *AgentSession) systemPrompt() string {
	if s.deps.Loader == nil {
		return basePrompt
	}
	mem, err := s.deps.Loader.SystemPrompt()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load memory files")
		return basePrompt
	}
	if mem == "" {
		return basePrompt
	}
	return basePrompt + "\n\n" + mem
}

func (s *AgentSession) toolServer() agent.ToolServer {
	env := tools.Env{
		Memory:      s.deps.Memory,
		Journal:     s.deps.Journal,
		Emit:        s.emitTurn,
		ActiveStack: s.ActiveStack,
	}
	if s.deps.Workspace != nil {
		env.Workspace = s.deps.Workspace
	}
	return tools.Server(env, s.cfg.MemoryTools)
}

func (s *AgentSession) hookDeps() hooks.Deps {
	return hooks.Deps{
		Buffer:         s.buffer,
		Transcript:     s.deps.Transcript,
		Processor:      s.deps.Processor,
		Spawn:          s.deps.Spawn,
		SessionID:      s.key,
		BatchThreshold: s.cfg.BatchThreshold,
	}
}

func (s *AgentSession) hooks() agent.Hooks {
	return agent.Hooks{
		PromptSubmitted: func(ctx context.Context, prompt string) {
			hooks.PromptSubmitted(ctx, s.hookDeps(), prompt)
		},
		PostToolUse: func(ctx context.Context, name string, input, response any) {
			hooks.PostToolUse(ctx, s.hookDeps(), name, input, response)
		},
		Stop: func(ctx context.Context) {
			hooks.TurnStopped(ctx, s.hookDeps())
		},
		PreCompact: func(ctx context.Context) {
			hooks.PreCompact(ctx, s.hookDeps())
		},
	}
}

// runTurn streams one turn. delivered reports whether any event reached the client.
func (s *AgentSession) runTurn(ctx context.Context, h agent.Handle, text string, gen uint64) (delivered bool, err error) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	stream, err := s.deps.Backend.Send(tctx, h, text)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	var response strings.Builder
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			if tctx.Err() != nil && ctx.Err() == nil {
				return delivered, fmt.Errorf("agent turn timed out after %s: %w", s.cfg.TurnTimeout, context.DeadlineExceeded)
			}
			return delivered, err
		}

		switch ev.Kind {
		case agent.EventText:
			response.WriteString(ev.Text)
			s.buffer.AppendResponse(ev.Text)
			s.sendFrom(gen, protocol.AgentEvent(protocol.AgentEventPayload{EventType: protocol.AgentText, Content: ev.Text}))
			delivered = true

		case agent.EventToolUse:
			content, _ := json.Marshal(struct {
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			}{ev.ToolName, ev.ToolInput})
			s.sendFrom(gen, protocol.AgentEvent(protocol.AgentEventPayload{EventType: protocol.AgentTool, Content: string(content)}))
			delivered = true

		case agent.EventResult:
			s.completeTurn(ctx, ev, response.String())
			response.Reset()
			s.sendFrom(gen, protocol.AgentEvent(protocol.AgentEventPayload{
				EventType: protocol.AgentComplete,
				SessionID: ev.SessionID,
				CostUSD:   ev.CostUSD,
				Usage: &protocol.Usage{
					InputTokens:  int64(ev.Usage.InputTokens),
					OutputTokens: int64(ev.Usage.OutputTokens),
				},
			}))
			delivered = true
		}
	}
}

// completeTurn persists the aggregated agent reply and records the agent
// session id for resume.
func (s *AgentSession) completeTurn(ctx context.Context, ev agent.Event, response string) {
	if strings.TrimSpace(response) != "" && s.deps.Workspace != nil {
		if _, err := s.deps.Workspace.AddChatMessage(ctx, models.RoleAgent, response); err != nil {
			log.Error().Err(err).Str("session", s.key).Msg("Failed to persist agent reply")
		}
	}
	if ev.SessionID == "" {
		return
	}

	s.mu.Lock()
	changed := s.agentID != ev.SessionID
	s.agentID = ev.SessionID
	rowID := s.rowID
	s.mu.Unlock()

	if changed && rowID > 0 && s.deps.Transcript != nil {
		if err := s.deps.Transcript.SetAgentSessionID(ctx, rowID, ev.SessionID); err != nil {
			log.Warn().Err(err).Str("session", s.key).Msg("Failed to record agent session id")
		}
	}
}

func (s *AgentSession) reportError(ctx context.Context, gen uint64, err error) {
	kind := agent.Classify(err)
	telemetry.Error(ctx, string(kind))
	log.Error().Err(err).Str("session", s.key).Str("kind", string(kind)).Msg("Agent turn failed")
	s.sendFrom(gen, protocol.AgentEvent(protocol.AgentEventPayload{
		EventType: protocol.AgentError,
		ErrorKind: string(kind),
		Content:   agent.UserMessage(kind, err),
	}))
}

// discard drops the live handle so the next message opens a fresh one.
func (s *AgentSession) discard(status models.SessionStatus) {
	s.mu.Lock()
	h := s.handle
	rowID := s.rowID
	s.handle = nil
	s.rowID = 0
	if status == models.SessionStatusFailed {
		s.agentID = ""
	}
	s.mu.Unlock()

	if h == nil {
		return
	}
	if err := s.deps.Backend.Close(h); err != nil {
		log.Warn().Err(err).Str("session", s.key).Msg("Failed to close agent handle")
	}
	if rowID > 0 && s.deps.Transcript != nil {
		if err := s.deps.Transcript.EndSession(context.Background(), rowID, status); err != nil {
			log.Warn().Err(err).Str("session", s.key).Msg("Failed to record session end")
		}
	}
}

// Close releases the handle. Closing twice is a no-op.
func (s *AgentSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sendMu.Lock()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.connected = false
	s.send = nil
	s.sendMu.Unlock()

	s.discard(models.SessionStatusCompleted)
	return nil
}
