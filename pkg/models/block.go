package models

import "fmt"

// BlockType enumerates the content blocks a card can hold.
type BlockType string

const (
	BlockHeading   BlockType = "heading"
	BlockStat      BlockType = "stat"
	BlockKeyValue  BlockType = "key-value"
	BlockTable     BlockType = "table"
	BlockBadge     BlockType = "badge"
	BlockProgress  BlockType = "progress"
	BlockText      BlockType = "text"
	BlockSeparator BlockType = "separator"
	BlockDocument  BlockType = "document"
)

// KeyValue is one row of a key-value block.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Block is one typed piece of card content.
type Block struct {
	Value      any              `json:"value,omitempty"`
	ID         string           `json:"id"`
	Type       BlockType        `json:"type"`
	Text       string           `json:"text,omitempty"`
	Subtitle   string           `json:"subtitle,omitempty"`
	Label      string           `json:"label,omitempty"`
	Trend      string           `json:"trend,omitempty"`
	Variant    string           `json:"variant,omitempty"`
	Content    string           `json:"content,omitempty"`
	Filename   string           `json:"filename,omitempty"`
	MimeType   string           `json:"mime_type,omitempty"`
	DocumentID string           `json:"document_id,omitempty"`
	Pairs      []KeyValue       `json:"pairs,omitempty"`
	Headers    []string         `json:"headers,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Max        float64          `json:"max,omitempty"`
}

// BlockError reports a block that failed validation.
type BlockError struct {
	Type   BlockType
	Field  string
	Reason string
	Index  int
}

func (e *BlockError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("block %d (%s): %s", e.Index, e.Type, e.Reason)
	}
	if e.Reason == "" {
		return fmt.Sprintf("block %d (%s): missing required field '%s'", e.Index, e.Type, e.Field)
	}
	return fmt.Sprintf("block %d (%s): field '%s' %s", e.Index, e.Type, e.Field, e.Reason)
}

// Validate checks the required fields of the block at position index.
func (b *Block) Validate(index int) error {
	missing := func(field string) error {
		return &BlockError{Index: index, Type: b.Type, Field: field}
	}
	switch b.Type {
	case BlockHeading, BlockBadge:
		if b.Text == "" {
			return missing("text")
		}
	case BlockStat:
		if b.Label == "" {
			return missing("label")
		}
		if b.Value == nil {
			return missing("value")
		}
	case BlockKeyValue:
		if len(b.Pairs) == 0 {
			return missing("pairs")
		}
		for _, p := range b.Pairs {
			if p.Key == "" {
				return &BlockError{Index: index, Type: b.Type, Field: "pairs", Reason: "contains an entry without a key"}
			}
		}
	case BlockTable:
		if len(b.Headers) == 0 {
			return missing("headers")
		}
		if b.Rows == nil {
			return missing("rows")
		}
	case BlockProgress:
		if b.Label == "" {
			return missing("label")
		}
		if b.Value == nil {
			return missing("value")
		}
		v, ok := b.Value.(float64)
		if !ok {
			return &BlockError{Index: index, Type: b.Type, Field: "value", Reason: "must be a number"}
		}
		if v < 0 || v > 100 {
			return &BlockError{Index: index, Type: b.Type, Field: "value", Reason: "must be between 0 and 100"}
		}
	case BlockText:
		if b.Content == "" {
			return missing("content")
		}
	case BlockDocument:
		if b.Filename == "" {
			return missing("filename")
		}
	case BlockSeparator:
	case "":
		return &BlockError{Index: index, Type: "unknown", Field: "type"}
	default:
		return &BlockError{Index: index, Type: b.Type, Reason: "unknown block type"}
	}
	return nil
}
