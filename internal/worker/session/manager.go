package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager keeps one AgentSession per logical session key so a reconnecting
// client reattaches to its running agent.
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deps     Deps
	cfg      Config
	sessions map[string]*AgentSession
	mu       sync.Mutex
}

// NewManager returns a manager whose sessions share deps and cfg.
func NewManager(deps Deps, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:      ctx,
		cancel:   cancel,
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*AgentSession),
	}
}

// Get returns the session for key, creating it on first use.
func (m *Manager) Get(key string) *AgentSession {
	if key == "" {
		key = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := newAgentSession(key, m.deps, m.cfg)
	m.sessions[key] = s
	log.Info().Str("session", key).Msg("Session created")
	return s
}

// Lookup returns the session for key without creating it.
func (m *Manager) Lookup(key string) (*AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Context is cancelled when the manager shuts down.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Close releases every session.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	sessions := make([]*AgentSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*AgentSession)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	log.Info().Int("sessions", len(sessions)).Msg("Session manager closed")
}
