// Package protocol defines the wire envelopes exchanged between tandem and its clients.
package protocol

import (
	"errors"

	"github.com/goccy/go-json"
)

// Type is the closed set of envelope types.
type Type string

const (
	TypeMission           Type = "mission"
	TypeFileUpload        Type = "file_upload"
	TypeCanvasInteraction Type = "canvas_interaction"
	TypeHeartbeat         Type = "heartbeat"
	TypeAuth              Type = "auth"
	TypeSystem            Type = "system"
	TypeCanvasUpdate      Type = "canvas_update"
	TypeStateSync         Type = "state_sync"
	TypeAgentEvent        Type = "agent_event"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
)

// Inbound reports whether clients may send this type.
func (t Type) Inbound() bool {
	switch t {
	case TypeMission, TypeFileUpload, TypeCanvasInteraction, TypeHeartbeat, TypeAuth, TypeSystem:
		return true
	}
	return false
}

// Known reports whether t belongs to the protocol at all.
func (t Type) Known() bool {
	switch t {
	case TypeMission, TypeFileUpload, TypeCanvasInteraction, TypeHeartbeat, TypeAuth,
		TypeSystem, TypeCanvasUpdate, TypeStateSync, TypeAgentEvent, TypePing, TypePong:
		return true
	}
	return false
}

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for envelope types outside the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnexpectedType is returned for outbound-only types received from a client.
	ErrUnexpectedType = errors.New("unexpected message type")
)

// Envelope is the single wire frame shape: {id, type, timestamp, payload, request_id?}.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// Pong answers a ping. It carries nothing beyond the echoed id.
type Pong struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MissionPayload is a user instruction for the agent.
type MissionPayload struct {
	Text    string          `json:"text"`
	Context *MissionContext `json:"context,omitempty"`
}

// MissionContext carries client-side scope for a mission.
type MissionContext struct {
	StackID string `json:"stack_id,omitempty"`
	// CanvasState is a snapshot of open cards; clients send it either as an
	// array or as a pre-serialized JSON string.
	CanvasState json.RawMessage `json:"canvas_state,omitempty"`
}

// HeartbeatPayload optionally carries a system-initiated prompt.
type HeartbeatPayload struct {
	Prompt string `json:"prompt,omitempty"`
}

// CanvasInteractionPayload is a direct user manipulation of the canvas.
type CanvasInteractionPayload struct {
	Action   string    `json:"action"`
	CardID   string    `json:"card_id,omitempty"`
	StackID  string    `json:"stack_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	Color    string    `json:"color,omitempty"`
	Position *Position `json:"position,omitempty"`
	ZIndex   *int      `json:"z_index,omitempty"`
}

// Canvas interaction actions.
const (
	ActionArchiveCard  = "archive_card"
	ActionArchiveStack = "archive_stack"
	ActionCreateStack  = "create_stack"
	ActionRestoreStack = "restore_stack"
	ActionMove         = "move"
	ActionEditCell     = "edit_cell"
	ActionResize       = "resize"
	ActionClose        = "close"
)

// FileUploadPayload carries a base64-encoded document.
type FileUploadPayload struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"`
	StackID  string `json:"stack_id,omitempty"`
}

// AuthPayload is acknowledged only.
type AuthPayload struct {
	Token string `json:"token,omitempty"`
}

// SystemPayload is used both inbound and outbound.
type SystemPayload struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

// System events sent by the gateway.
const (
	EventConnected      = "connected"
	EventError          = "error"
	EventAck            = "ack"
	EventAuthOK         = "auth_ok"
	EventHeartbeatAck   = "heartbeat_ack"
	EventUploadReceived = "upload_received"
)

// Agent event kinds.
const (
	AgentText     = "text"
	AgentTool     = "tool"
	AgentComplete = "complete"
	AgentError    = "error"
)

// Usage is the token accounting reported at the end of a turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// AgentEventPayload is one mapped agent-session event.
type AgentEventPayload struct {
	EventType string  `json:"event_type"`
	Content   string  `json:"content,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// Canvas update actions.
const (
	CanvasCreate = "create"
	CanvasUpdate = "update"
	CanvasClose  = "close"
)

// CanvasUpdatePayload tells the client to render a card change.
type CanvasUpdatePayload struct {
	Action string `json:"action"`
	CardID string `json:"card_id"`
	Card   any    `json:"card,omitempty"`
}
