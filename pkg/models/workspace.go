package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

// StackStatus is the lifecycle state shared by stacks and cards.
type StackStatus string

const (
	StatusActive   StackStatus = "active"
	StatusArchived StackStatus = "archived"
	StatusClosed   StackStatus = "closed"
)

// Default stack created when a workspace has none.
const (
	DefaultStackName  = "Main"
	DefaultStackColor = "#6366f1"
)

// Stack is a named group of cards.
type Stack struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Color      string      `json:"color"`
	Status     StackStatus `json:"status"`
	SortOrder  int         `json:"sort_order"`
	CreatedAt  int64       `json:"created_at"`
	ArchivedAt int64       `json:"archived_at,omitempty"`
}

// CardSize is the rendered footprint of a card.
type CardSize string

const (
	SizeSmall  CardSize = "small"
	SizeMedium CardSize = "medium"
	SizeLarge  CardSize = "large"
	SizeFull   CardSize = "full"
)

// Valid reports whether s is one of the known sizes.
func (s CardSize) Valid() bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge, SizeFull:
		return true
	}
	return false
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Card is a unit of canvas content. It always belongs to exactly one stack.
type Card struct {
	ID          string      `json:"id"`
	StackID     string      `json:"stack_id"`
	Title       string      `json:"title"`
	Size        CardSize    `json:"size"`
	Status      StackStatus `json:"status"`
	CardType    string      `json:"card_type,omitempty"`
	Blocks      Blocks      `json:"blocks"`
	Headers     StringList  `json:"headers,omitempty"`
	PreviewRows Rows        `json:"preview_rows,omitempty"`
	Position    Position    `json:"position"`
	ZIndex      int         `json:"z_index"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
	ArchivedAt  int64       `json:"archived_at,omitempty"`
}

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleAgent ChatRole = "agent"
)

// ChatMessage is one entry of the persisted conversation shown to the client.
type ChatMessage struct {
	Role      ChatRole `json:"role"`
	Content   string   `json:"content"`
	ID        int64    `json:"id"`
	Timestamp int64    `json:"timestamp"`
}

// DocumentStatus tracks an uploaded document through extraction.
type DocumentStatus string

const (
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an uploaded file awaiting or finished with extraction.
type Document struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mime_type"`
	StoragePath string         `json:"storage_path"`
	ContentHash string         `json:"content_hash"`
	CardID      string         `json:"card_id,omitempty"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Blocks is stored as a JSON array column.
type Blocks []Block

// Value implements driver.Valuer.
func (b Blocks) Value() (driver.Value, error) {
	if b == nil {
		return "[]", nil
	}
	return jsonValue(b)
}

// Scan implements sql.Scanner.
func (b *Blocks) Scan(src any) error { return jsonScan(src, b) }

// StringList is stored as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return jsonValue(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error { return jsonScan(src, l) }

// Rows is a list of table rows keyed by header, stored as a JSON column.
type Rows []map[string]any

// Value implements driver.Valuer.
func (r Rows) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return jsonValue(r)
}

// Scan implements sql.Scanner.
func (r *Rows) Scan(src any) error { return jsonScan(src, r) }

func jsonValue(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func jsonScan(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
