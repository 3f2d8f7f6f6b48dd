package claudecli

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/thebtf/tandem/internal/agent"
)

// step is everything one stream-json line contributes to a turn.
type step struct {
	events    []agent.Event
	tools     []toolOutcome
	sessionID string
	compact   bool
	done      bool
	err       error
}

type toolOutcome struct {
	name   string
	input  json.RawMessage
	output string
}

type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`

	// Flat assistant/tool shape.
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`

	// Result fields.
	IsError      bool        `json:"is_error"`
	Result       string      `json:"result"`
	TotalCostUSD float64     `json:"total_cost_usd"`
	CostUSD      float64     `json:"cost_usd"`
	Usage        agent.Usage `json:"usage"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decoder turns stream-json lines into agent events. It pairs tool results
// with the tool_use that produced them.
type decoder struct {
	pending map[string]toolOutcome
}

func newDecoder() *decoder {
	return &decoder{pending: make(map[string]toolOutcome)}
}

func (d *decoder) decode(line []byte) (step, error) {
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return step{}, fmt.Errorf("parse stream line: %w", err)
	}
	s := step{sessionID: l.SessionID}

	switch l.Type {
	case "system":
		if l.Subtype == "compact_boundary" {
			s.compact = true
		}
		s.events = append(s.events, agent.Event{Kind: agent.EventSystem, Text: l.Subtype, SessionID: l.SessionID})

	case "assistant":
		if len(l.Message) > 0 {
			var body messageBody
			if err := json.Unmarshal(l.Message, &body); err != nil {
				return s, fmt.Errorf("parse assistant message: %w", err)
			}
			for _, block := range body.Content {
				d.assistantBlock(&s, block)
			}
			break
		}
		switch l.Subtype {
		case "text":
			d.assistantBlock(&s, contentBlock{Type: "text", Text: l.Text})
		case "tool_use":
			d.assistantBlock(&s, contentBlock{Type: "tool_use", ID: l.ToolUseID, Name: l.Name, Input: l.Input})
		}

	case "user":
		if len(l.Message) == 0 {
			break
		}
		var body messageBody
		if err := json.Unmarshal(l.Message, &body); err != nil {
			// User messages may carry a plain string; nothing to pair.
			break
		}
		for _, block := range body.Content {
			if block.Type == "tool_result" {
				d.toolResult(&s, block.ToolUseID, block.Content)
			}
		}

	case "tool":
		if l.Subtype == "result" {
			d.toolResult(&s, l.ToolUseID, l.Content)
		}

	case "result":
		s.done = true
		if l.IsError {
			msg := l.Result
			if msg == "" {
				msg = strings.ReplaceAll(l.Subtype, "_", " ")
			}
			s.err = agent.ErrorFromMessage(msg)
			break
		}
		cost := l.TotalCostUSD
		if cost == 0 {
			cost = l.CostUSD
		}
		usage := l.Usage
		if usage.InputTokens == 0 && usage.OutputTokens == 0 {
			usage.InputTokens = l.InputTokens
			usage.OutputTokens = l.OutputTokens
		}
		s.events = append(s.events, agent.Event{
			Kind:      agent.EventResult,
			Text:      l.Result,
			SessionID: l.SessionID,
			CostUSD:   cost,
			Usage:     usage,
		})
	}
	return s, nil
}

func (d *decoder) assistantBlock(s *step, block contentBlock) {
	switch block.Type {
	case "text":
		if block.Text != "" {
			s.events = append(s.events, agent.Event{Kind: agent.EventText, Text: block.Text, SessionID: s.sessionID})
		}
	case "thinking":
		s.events = append(s.events, agent.Event{Kind: agent.EventThinking, Text: block.Thinking, SessionID: s.sessionID})
	case "tool_use":
		name := bareToolName(block.Name)
		input := block.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		if block.ID != "" {
			d.pending[block.ID] = toolOutcome{name: name, input: input}
		}
		s.events = append(s.events, agent.Event{Kind: agent.EventToolUse, ToolName: name, ToolInput: input, SessionID: s.sessionID})
	}
}

func (d *decoder) toolResult(s *step, id string, content json.RawMessage) {
	call, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)
	call.output = contentText(content)
	s.tools = append(s.tools, call)
}

// contentText flattens a tool_result content field, which is either a
// string or an array of typed blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
