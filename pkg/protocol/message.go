package protocol

import (
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// NewID returns a random message id.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns "<prefix>_<8 hex chars>", the id format used for stacks, cards and blocks.
func ShortID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:4])
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessage builds an outbound envelope. Payloads that fail to marshal are
// replaced by an empty object so a bad payload can never break the connection.
func NewMessage(t Type, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = []byte("{}")
	}
	return Envelope{
		ID:        NewID(),
		Type:      t,
		Timestamp: NowMillis(),
		Payload:   raw,
	}
}

// Reply builds an outbound envelope correlated to an inbound one.
func Reply(to *Envelope, t Type, payload any) Envelope {
	msg := NewMessage(t, payload)
	if to != nil {
		msg.RequestID = to.ID
	}
	return msg
}

// SystemEvent builds a system message with extra payload fields.
func SystemEvent(event string, fields map[string]any) Envelope {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event"] = event
	return NewMessage(TypeSystem, payload)
}

// SystemError builds a system/error message. action may be empty.
func SystemError(message, action string) Envelope {
	return NewMessage(TypeSystem, SystemPayload{Event: EventError, Message: message, Action: action})
}

// AgentEvent builds an agent_event message.
func AgentEvent(p AgentEventPayload) Envelope {
	return NewMessage(TypeAgentEvent, p)
}

// CanvasUpdateMessage builds a canvas_update message.
func CanvasUpdateMessage(action, cardID string, card any) Envelope {
	return NewMessage(TypeCanvasUpdate, CanvasUpdatePayload{Action: action, CardID: cardID, Card: card})
}

// Encode serializes an envelope as canonical JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// PongFor answers a ping id.
func PongFor(id string) ([]byte, error) {
	return json.Marshal(Pong{Type: TypePong, ID: id})
}
