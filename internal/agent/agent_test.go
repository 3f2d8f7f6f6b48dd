package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindGeneric},
		{"typed rate limit", &RateLimitError{Msg: "slow down"}, KindRateLimited},
		{"wrapped auth", fmt.Errorf("turn: %w", &AuthError{Msg: "bad key"}), KindAuth},
		{"typed connection", &ConnectionError{Msg: "reset"}, KindConnection},
		{"deadline", fmt.Errorf("turn: %w", context.DeadlineExceeded), KindConnection},
		{"type beats substring", &AuthError{Msg: "429 from proxy"}, KindAuth},
		{"substring 429", errors.New("HTTP 429 Too Many Requests"), KindRateLimited},
		{"substring overloaded", errors.New("API Error: Overloaded"), KindRateLimited},
		{"substring api key", errors.New("Invalid API key · Please run /login"), KindAuth},
		{"substring network", errors.New("network is unreachable"), KindConnection},
		{"substring eof", errors.New("unexpected EOF"), KindConnection},
		{"generic", errors.New("tool schema mismatch"), KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(KindRateLimited, nil), "too many requests")
	assert.Contains(t, UserMessage(KindAuth, nil), "API key")
	assert.Contains(t, UserMessage(KindGeneric, errors.New("boom")), "boom")
}

func TestConnectionErrorUnwrap(t *testing.T) {
	inner := errors.New("reset by peer")
	err := &ConnectionError{Msg: "stream", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "connection error: stream: reset by peer", err.Error())
}

func TestCallTool(t *testing.T) {
	var hooked []string
	hooks := Hooks{PostToolUse: func(_ context.Context, name string, _, response any) {
		hooked = append(hooked, name+"="+response.(string))
	}}
	servers := []ToolServer{{
		Name: "tandem",
		Tools: []Tool{
			{Name: "echo", Handler: func(_ context.Context, in json.RawMessage) ToolResult {
				return ToolResult{Content: string(in)}
			}},
			{Name: "boom", Handler: func(context.Context, json.RawMessage) ToolResult {
				panic("kaboom")
			}},
		},
	}}

	res := CallTool(context.Background(), servers, hooks, "echo", json.RawMessage(`{"a":1}`))
	assert.False(t, res.IsError)
	assert.Equal(t, `{"a":1}`, res.Content)

	res = CallTool(context.Background(), servers, hooks, "missing", nil)
	assert.True(t, res.IsError)

	res = CallTool(context.Background(), servers, hooks, "boom", nil)
	assert.True(t, res.IsError)

	require.Len(t, hooked, 3)
	assert.Equal(t, `echo={"a":1}`, hooked[0])
}

func TestErrorFromMessage(t *testing.T) {
	var rl *RateLimitError
	assert.ErrorAs(t, ErrorFromMessage("API Error: 429 rate_limit_error"), &rl)

	var auth *AuthError
	assert.ErrorAs(t, ErrorFromMessage("Invalid API key"), &auth)

	var conn *ConnectionError
	assert.ErrorAs(t, ErrorFromMessage("Request timed out"), &conn)

	err := ErrorFromMessage("  ")
	assert.EqualError(t, err, "agent turn failed")
	assert.Equal(t, KindGeneric, Classify(err))
}
