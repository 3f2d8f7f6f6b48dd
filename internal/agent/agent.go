// Package agent defines the boundary to the conversational agent capability:
// a backend opens handles, each Send streams the events of one turn.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// ErrSessionClosed is returned when a handle is used after Close.
var ErrSessionClosed = errors.New("agent session closed")

// EventKind classifies stream events.
type EventKind string

const (
	EventText     EventKind = "text"
	EventToolUse  EventKind = "tool_use"
	EventResult   EventKind = "result"
	EventThinking EventKind = "thinking"
	EventSystem   EventKind = "system"
)

// Usage is token accounting reported with a result.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Event is one item of a turn's stream.
type Event struct {
	Kind      EventKind
	Text      string
	ToolName  string
	ToolInput json.RawMessage
	SessionID string
	CostUSD   float64
	Usage     Usage
	IsError   bool
}

// Stream yields the events of one turn and returns io.EOF when it ends.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Handle is an open agent session.
type Handle interface {
	// SessionID is the provider's session id once known, for resume.
	SessionID() string
}

// ToolResult is what a tool hands back to the agent. Errors are results, not Go errors.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, input json.RawMessage) ToolResult

// Tool is one callable tool with its JSON schema.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// ToolServer groups tools under one server name.
type ToolServer struct {
	Name  string
	Tools []Tool
}

// Find returns the tool named name.
func (s ToolServer) Find(name string) (Tool, bool) {
	for _, t := range s.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Hooks are lifecycle callbacks a backend invokes during a turn. Any may be nil.
type Hooks struct {
	PromptSubmitted func(ctx context.Context, prompt string)
	PostToolUse     func(ctx context.Context, name string, input, response any)
	Stop            func(ctx context.Context)
	PreCompact      func(ctx context.Context)
}

// Options configure a handle.
type Options struct {
	SystemPrompt string
	ResumeID     string
	Model        string
	Tools        []ToolServer
	Hooks        Hooks
	MaxTurns     int
	Timeout      time.Duration
}

// Backend is the agent capability.
type Backend interface {
	Open(ctx context.Context, opts Options) (Handle, error)
	Send(ctx context.Context, h Handle, text string) (Stream, error)
	Close(h Handle) error
}

// CallTool runs a tool from servers by name and fires the PostToolUse hook.
// Unknown tools and handler panics become error results.
func CallTool(ctx context.Context, servers []ToolServer, hooks Hooks, name string, input json.RawMessage) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ToolResult{Content: "tool panicked", IsError: true}
		}
		if hooks.PostToolUse != nil {
			hooks.PostToolUse(ctx, name, input, result.Content)
		}
	}()
	for _, s := range servers {
		if t, ok := s.Find(name); ok {
			return t.Handler(ctx, input)
		}
	}
	return ToolResult{Content: "unknown tool: " + name, IsError: true}
}
