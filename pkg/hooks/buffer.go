// Package hooks captures conversational turns and writes them to the transcript.
package hooks

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/thebtf/tandem/pkg/models"
)

// Truncation limits for captured tool calls, in characters.
const (
	MaxToolResponseChars = 2000
	MaxToolInputChars    = 1000
)

// Turn is an immutable copy of a TurnBuffer.
type Turn struct {
	UserMessage   string
	AgentResponse string
	ToolCalls     []models.ToolCall
}

// TurnBuffer accumulates one conversational turn. It is owned by the agent
// session and handed to hooks explicitly.
type TurnBuffer struct {
	mu            sync.Mutex
	userMessage   string
	toolCalls     []models.ToolCall
	agentResponse strings.Builder
}

// NewTurnBuffer returns an empty buffer.
func NewTurnBuffer() *TurnBuffer {
	return &TurnBuffer{}
}

// SetUserMessage records the prompt that opened the turn.
func (b *TurnBuffer) SetUserMessage(text string) {
	b.mu.Lock()
	b.userMessage = text
	b.mu.Unlock()
}

// AddToolCall appends a tool invocation, truncating input and response.
func (b *TurnBuffer) AddToolCall(name, input, response string) {
	b.mu.Lock()
	b.toolCalls = append(b.toolCalls, models.ToolCall{
		Name:     name,
		Input:    Truncate(input, MaxToolInputChars),
		Response: Truncate(response, MaxToolResponseChars),
	})
	b.mu.Unlock()
}

// AppendResponse appends assistant text.
func (b *TurnBuffer) AppendResponse(text string) {
	b.mu.Lock()
	b.agentResponse.WriteString(text)
	b.mu.Unlock()
}

// Snapshot copies the current contents.
func (b *TurnBuffer) Snapshot() Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := make([]models.ToolCall, len(b.toolCalls))
	copy(calls, b.toolCalls)
	return Turn{
		UserMessage:   b.userMessage,
		AgentResponse: b.agentResponse.String(),
		ToolCalls:     calls,
	}
}

// Clear resets all three fields.
func (b *TurnBuffer) Clear() {
	b.mu.Lock()
	b.userMessage = ""
	b.toolCalls = nil
	b.agentResponse.Reset()
	b.mu.Unlock()
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
