// Package models contains domain models for tandem.
package models

import "database/sql/driver"

// ToolCall is one tool invocation captured during a turn.
type ToolCall struct {
	Name     string `json:"name"`
	Input    string `json:"input"`
	Response string `json:"response"`
}

// ToolCalls is stored as a JSON array in tool_calls_json.
type ToolCalls []ToolCall

// Value implements driver.Valuer.
func (t ToolCalls) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	return jsonValue(t)
}

// Scan implements sql.Scanner.
func (t *ToolCalls) Scan(src any) error { return jsonScan(src, t) }

// Observation is one completed conversational turn in the transcript.
// Rows are append-only; Processed flips to true once curation has consumed them.
type Observation struct {
	SessionID     string    `db:"session_id" json:"session_id"`
	UserMessage   string    `db:"user_message" json:"user_message"`
	AgentResponse string    `db:"agent_response" json:"agent_response"`
	ToolCalls     ToolCalls `db:"tool_calls_json" json:"tool_calls"`
	ID            int64     `db:"id" json:"id"`
	Timestamp     int64     `db:"timestamp" json:"timestamp"`
	SequenceNum   int64     `db:"sequence_num" json:"sequence_num"`
	Processed     bool      `db:"processed" json:"processed"`
}

// IsEmpty reports whether the turn captured nothing worth storing.
func (o *Observation) IsEmpty() bool {
	return o.UserMessage == "" && o.AgentResponse == "" && len(o.ToolCalls) == 0
}
