package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/internal/mcpbridge"
)

// Config configures the CLI backend.
type Config struct {
	// ClaudePath is the claude executable.
	ClaudePath string
	Model      string
	// GatewayURL is where the MCP bridge reaches the tool registry.
	GatewayURL string
	// BridgeCommand is the argv prefix of the MCP bridge. The backend
	// appends --url and --handle. Defaults to "<this executable> mcp".
	BridgeCommand []string
	// TempDir holds per-handle MCP config files.
	TempDir string
	WorkDir string
}

// Backend runs each turn as a claude -p process resumed by session id.
type Backend struct {
	cfg      Config
	registry *ToolRegistry

	// newCmd builds the process of one turn; tests substitute it.
	newCmd func(ctx context.Context, prompt string, args []string) *exec.Cmd
}

// New returns a CLI backend.
func New(cfg Config) *Backend {
	b := &Backend{cfg: cfg, registry: NewToolRegistry()}
	b.newCmd = func(ctx context.Context, prompt string, args []string) *exec.Cmd {
		cmd := BuildCmd(ctx, b.cfg.ClaudePath, prompt, args...)
		cmd.Dir = b.cfg.WorkDir
		return cmd
	}
	return b
}

// Registry exposes the tool registry so the HTTP service can mount it.
func (b *Backend) Registry() *ToolRegistry { return b.registry }

type handle struct {
	id        string
	opts      agent.Options
	mcpConfig string
	allowed   []string

	mu        sync.Mutex
	sessionID string
	closed    bool
}

func (h *handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func (h *handle) setSessionID(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Open prepares a handle. No process runs until the first Send.
func (b *Backend) Open(_ context.Context, opts agent.Options) (agent.Handle, error) {
	h := &handle{id: uuid.NewString(), opts: opts, sessionID: opts.ResumeID}

	if len(opts.Tools) > 0 && b.cfg.GatewayURL != "" {
		path, err := b.writeMCPConfig(h.id)
		if err != nil {
			return nil, &agent.ConnectionError{Msg: "prepare tool bridge", Err: err}
		}
		h.mcpConfig = path
		for _, s := range opts.Tools {
			for _, t := range s.Tools {
				h.allowed = append(h.allowed, qualifiedToolName(mcpbridge.ServerName, t.Name))
			}
		}
		b.registry.Register(h.id, opts.Tools)
	}

	log.Debug().
		Str("handle", h.id).
		Str("resume", opts.ResumeID).
		Int("tools", len(h.allowed)).
		Msg("Agent handle opened")
	return h, nil
}

func (b *Backend) writeMCPConfig(id string) (string, error) {
	argv := b.cfg.BridgeCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{exe, "mcp"}
	}
	args := append(append([]string{}, argv[1:]...), "--url", b.cfg.GatewayURL, "--handle", id)
	config := map[string]any{
		"mcpServers": map[string]any{
			mcpbridge.ServerName: map[string]any{
				"type":    "stdio",
				"command": argv[0],
				"args":    args,
			},
		},
	}
	data, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	dir := b.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "mcp-"+id+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// Send starts one turn. The returned stream must be drained or closed.
func (b *Backend) Send(ctx context.Context, ah agent.Handle, text string) (agent.Stream, error) {
	h, ok := ah.(*handle)
	if !ok {
		return nil, fmt.Errorf("claudecli: foreign handle %T", ah)
	}
	if h.isClosed() {
		return nil, agent.ErrSessionClosed
	}

	if fn := h.opts.Hooks.PromptSubmitted; fn != nil {
		fn(ctx, text)
	}

	model := h.opts.Model
	if model == "" {
		model = b.cfg.Model
	}
	args := turnArgs(model, h.opts.SystemPrompt, h.SessionID(), h.mcpConfig, h.opts.MaxTurns, h.allowed)
	cmd := b.newCmd(ctx, text, args)
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &agent.ConnectionError{Msg: "start claude", Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &stream{
		ctx:     ctx,
		cmd:     cmd,
		scanner: scanner,
		stderr:  stderr,
		dec:     newDecoder(),
		handle:  h,
	}, nil
}

// Close releases a handle. Closing twice is a no-op.
func (b *Backend) Close(ah agent.Handle) error {
	h, ok := ah.(*handle)
	if !ok {
		return fmt.Errorf("claudecli: foreign handle %T", ah)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	b.registry.Unregister(h.id)
	if h.mcpConfig != "" {
		if err := os.Remove(h.mcpConfig); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", h.mcpConfig).Msg("Failed to remove MCP config")
		}
	}
	log.Debug().Str("handle", h.id).Msg("Agent handle closed")
	return nil
}

type stream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *tailBuffer
	dec     *decoder
	handle  *handle

	queue     []agent.Event
	failure   error
	sawResult bool
	finished  bool

	waitOnce sync.Once
	waitErr  error
}

func (s *stream) Recv() (agent.Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.failure != nil {
			err := s.failure
			s.failure = nil
			s.finished = true
			s.kill()
			return agent.Event{}, err
		}
		if s.finished {
			return agent.Event{}, io.EOF
		}
		if !s.scanner.Scan() {
			s.finished = true
			return agent.Event{}, s.finish()
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		st, err := s.dec.decode(line)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping unparseable stream line")
			continue
		}
		s.apply(st)
	}
}

func (s *stream) apply(st step) {
	s.handle.setSessionID(st.sessionID)
	hooks := s.handle.opts.Hooks

	for _, t := range st.tools {
		if hooks.PostToolUse != nil {
			hooks.PostToolUse(s.ctx, t.name, t.input, t.output)
		}
	}
	if st.compact && hooks.PreCompact != nil {
		hooks.PreCompact(s.ctx)
	}
	s.queue = append(s.queue, st.events...)
	if st.done {
		s.sawResult = true
		if hooks.Stop != nil {
			hooks.Stop(s.ctx)
		}
	}
	if st.err != nil {
		s.failure = st.err
	}
}

// finish reaps the process once stdout is exhausted.
func (s *stream) finish() error {
	scanErr := s.scanner.Err()
	waitErr := s.wait()

	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("agent turn: %w", ctxErr)
	}
	if s.sawResult {
		return io.EOF
	}
	if scanErr != nil {
		return &agent.ConnectionError{Msg: "read agent stream", Err: scanErr}
	}
	if waitErr != nil {
		if msg := s.stderr.String(); msg != "" {
			return agent.ErrorFromMessage(msg)
		}
		return &agent.ConnectionError{Msg: "claude exited", Err: waitErr}
	}
	return &agent.ConnectionError{Msg: "stream ended without a result"}
}

func (s *stream) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *stream) kill() {
	if s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
}

// Close stops the turn's process if it is still running.
func (s *stream) Close() error {
	if !s.finished {
		s.finished = true
		s.kill()
		return nil
	}
	_ = s.wait()
	return nil
}
