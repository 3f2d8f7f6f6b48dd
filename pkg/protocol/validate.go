package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// ValidationError describes why a frame was rejected.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("envelope: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", e.Type, e.Field, e.Reason)
}

func invalid(t Type, field, reason string) error {
	return &ValidationError{Type: t, Field: field, Reason: reason}
}

// Frame is a parsed inbound frame that has not been validated yet.
type Frame map[string]any

// Parse decodes a raw frame. Anything other than a JSON object is ErrMalformed.
func Parse(raw []byte) (Frame, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	return Frame(obj), nil
}

// PingID reports whether the frame is a ping and returns the id to echo.
func (f Frame) PingID() (string, bool) {
	t, _ := f["type"].(string)
	if Type(t) != TypePing {
		return "", false
	}
	switch id := f["id"].(type) {
	case string:
		return id, true
	case float64:
		return fmt.Sprintf("%v", id), true
	default:
		return "", true
	}
}

// TypeName returns the frame's declared type, if any.
func (f Frame) TypeName() string {
	t, _ := f["type"].(string)
	return t
}

// Envelope validates the envelope shape and the type-specific payload.
func (f Frame) Envelope() (*Envelope, error) {
	id, ok := f["id"].(string)
	if !ok || id == "" {
		return nil, invalid("", "id", "is required")
	}
	typeName, ok := f["type"].(string)
	if !ok || typeName == "" {
		return nil, invalid("", "type", "is required")
	}
	t := Type(typeName)
	if !t.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	if !t.Inbound() {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedType, typeName)
	}
	ts, ok := f["timestamp"].(float64)
	if !ok || ts < 0 || math.IsInf(ts, 0) || math.IsNaN(ts) {
		return nil, invalid("", "timestamp", "must be epoch milliseconds")
	}

	payload := map[string]any{}
	switch p := f["payload"].(type) {
	case nil:
	case map[string]any:
		payload = p
	default:
		return nil, invalid(t, "payload", "must be an object")
	}

	var requestID string
	if rid, present := f["request_id"]; present && rid != nil {
		s, ok := rid.(string)
		if !ok {
			return nil, invalid("", "request_id", "must be a string")
		}
		requestID = s
	}

	if validate, ok := Validators[t]; ok {
		if err := validate(payload); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Envelope{
		ID:        id,
		Type:      t,
		Timestamp: int64(ts),
		Payload:   raw,
		RequestID: requestID,
	}, nil
}

// ValidatorFunc checks the payload of one message type.
type ValidatorFunc func(payload map[string]any) error

// Validators holds the per-type payload checks applied before dispatch.
var Validators = map[Type]ValidatorFunc{
	TypeMission:           validateMission,
	TypeHeartbeat:         optionalStrings(TypeHeartbeat, "prompt"),
	TypeCanvasInteraction: validateCanvasInteraction,
	TypeFileUpload:        validateFileUpload,
	TypeAuth:              optionalStrings(TypeAuth, "token"),
	TypeSystem:            optionalStrings(TypeSystem, "event", "message"),
}

// IsValidation reports whether err came from payload or envelope validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func validateMission(p map[string]any) error {
	text, present := p["text"]
	if present {
		if _, ok := text.(string); !ok {
			return invalid(TypeMission, "text", "must be a string")
		}
	}
	hasCanvas := false
	if ctx, ok := p["context"]; ok && ctx != nil {
		obj, ok := ctx.(map[string]any)
		if !ok {
			return invalid(TypeMission, "context", "must be an object")
		}
		if sid, ok := obj["stack_id"]; ok && sid != nil {
			if _, ok := sid.(string); !ok {
				return invalid(TypeMission, "context.stack_id", "must be a string")
			}
		}
		if cs, ok := obj["canvas_state"]; ok && cs != nil {
			switch cs.(type) {
			case []any, string:
				hasCanvas = true
			default:
				return invalid(TypeMission, "context.canvas_state", "must be an array or a JSON string")
			}
		}
	}
	if !present && !hasCanvas {
		return invalid(TypeMission, "text", "is required")
	}
	return nil
}

func validateCanvasInteraction(p map[string]any) error {
	action, ok := p["action"].(string)
	if !ok || action == "" {
		return invalid(TypeCanvasInteraction, "action", "is required")
	}
	if err := optionalStrings(TypeCanvasInteraction, "card_id", "stack_id", "name", "color")(p); err != nil {
		return err
	}
	requireString := func(field string) error {
		if s, _ := p[field].(string); s == "" {
			return invalid(TypeCanvasInteraction, field, "is required for "+action)
		}
		return nil
	}
	switch action {
	case ActionArchiveCard, ActionEditCell, ActionResize, ActionClose:
		return requireString("card_id")
	case ActionMove:
		if err := requireString("card_id"); err != nil {
			return err
		}
		pos, ok := p["position"].(map[string]any)
		if !ok {
			return invalid(TypeCanvasInteraction, "position", "is required for move")
		}
		for _, axis := range []string{"x", "y"} {
			if _, ok := pos[axis].(float64); !ok {
				return invalid(TypeCanvasInteraction, "position."+axis, "must be a number")
			}
		}
		if z, ok := p["z_index"]; ok && z != nil {
			if _, ok := z.(float64); !ok {
				return invalid(TypeCanvasInteraction, "z_index", "must be a number")
			}
		}
	case ActionArchiveStack, ActionRestoreStack:
		return requireString("stack_id")
	case ActionCreateStack:
	default:
		return invalid(TypeCanvasInteraction, "action", fmt.Sprintf("%q is not supported", action))
	}
	return nil
}

func validateFileUpload(p map[string]any) error {
	if s, _ := p["filename"].(string); s == "" {
		return invalid(TypeFileUpload, "filename", "is required")
	}
	if s, _ := p["data"].(string); s == "" {
		return invalid(TypeFileUpload, "data", "is required")
	}
	return optionalStrings(TypeFileUpload, "mime_type", "stack_id")(p)
}

func optionalStrings(t Type, fields ...string) ValidatorFunc {
	return func(p map[string]any) error {
		for _, f := range fields {
			v, ok := p[f]
			if !ok || v == nil {
				continue
			}
			if _, ok := v.(string); !ok {
				return invalid(t, f, "must be a string")
			}
		}
		return nil
	}
}
