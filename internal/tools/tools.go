// Package tools implements the canvas, extraction and memory tools the agent
// calls. Every tool validates its input and reports problems as error
// results; nothing here returns a Go error to the agent runtime.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/internal/mcpbridge"
	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

// Workspace is the subset of the workspace store the tools persist through.
type Workspace interface {
	UpsertCard(ctx context.Context, c *models.Card) error
	GetCard(ctx context.Context, id string) (*models.Card, error)
	CloseCard(ctx context.Context, id string) error
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string) error
	SetDocumentCard(ctx context.Context, id, cardID string) error
}

// Searcher finds curated learnings.
type Searcher interface {
	Search(ctx context.Context, query string, typ models.LearningType, limit int) ([]*models.Learning, error)
}

// Journal appends notes to today's journal file.
type Journal interface {
	AppendJournal(text string) error
}

// Env binds tools to one session. Workspace, Memory and Journal may be nil.
type Env struct {
	Workspace Workspace
	Memory    Searcher
	Journal   Journal
	// Emit delivers a canvas_update to the client.
	Emit func(protocol.Envelope)
	// ActiveStack returns the stack new cards land in.
	ActiveStack func() string
}

func (e Env) emit(env protocol.Envelope) {
	if e.Emit != nil {
		e.Emit(env)
	}
}

func (e Env) activeStack() string {
	if e.ActiveStack == nil {
		return ""
	}
	return e.ActiveStack()
}

// Server returns every tool under the gateway's tool server name.
func Server(env Env, memoryTools bool) agent.ToolServer {
	tools := []agent.Tool{
		createCardTool(env),
		updateCardTool(env),
		closeCardTool(env),
		extractInvoiceTool(env),
	}
	if memoryTools {
		if env.Memory != nil {
			tools = append(tools, memorySearchTool(env))
		}
		if env.Journal != nil {
			tools = append(tools, memoryWriteTool(env))
		}
	}
	return agent.ToolServer{Name: mcpbridge.ServerName, Tools: tools}
}

// decodeInput unmarshals a tool input. Inputs sometimes arrive as a JSON
// string holding the serialized object; that form is unwrapped first.
func decodeInput(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("invalid input: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			inner = "{}"
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// handler adapts a typed tool body into an agent.ToolHandler.
func handler[T any](name string, run func(ctx context.Context, in *T) (any, error)) agent.ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) agent.ToolResult {
		in := new(T)
		if err := decodeInput(raw, in); err != nil {
			return failure(name, err)
		}
		out, err := run(ctx, in)
		if err != nil {
			return failure(name, err)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return failure(name, err)
		}
		return agent.ToolResult{Content: string(data)}
	}
}

func failure(name string, err error) agent.ToolResult {
	log.Warn().Err(err).Str("tool", name).Msg("Tool call rejected")
	return agent.ToolResult{Content: "Error: " + err.Error(), IsError: true}
}

// flexList accepts a JSON array or a string holding one.
type flexList[T any] []T

func (l *flexList[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*l = nil
			return nil
		}
		data = []byte(inner)
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

// number accepts a JSON number or a numeric string such as "$1,200.50".
type number struct {
	Value float64
	Set   bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		n.Value, n.Set = f, true
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	n.Value, n.Set = f, true
	return nil
}

var errNoCard = errors.New("card_id is required")
