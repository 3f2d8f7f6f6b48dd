package gorm

import (
	"database/sql"

	"github.com/thebtf/tandem/pkg/models"
)

// GORM Models

// Stack is a row of the stacks table.
type Stack struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
	Color      string `gorm:"not null;default:'#6366f1'"`
	SortOrder  int    `gorm:"not null;default:0"`
	Status     string `gorm:"type:text;not null;default:'active';check:status IN ('active', 'archived');index"`
	CreatedAt  int64  `gorm:"autoCreateTime:milli;not null"`
	ArchivedAt sql.NullInt64
}

func (Stack) TableName() string { return "stacks" }

// Card is a row of the cards table. CardType, Headers and PreviewRows were
// added after the first release and are created by ensureColumns.
type Card struct {
	ID          string            `gorm:"primaryKey"`
	StackID     string            `gorm:"index;not null"`
	Title       string            `gorm:"not null"`
	Blocks      models.Blocks     `gorm:"type:text;not null"`
	Size        string            `gorm:"not null;default:'medium'"`
	PositionX   float64           `gorm:"not null;default:0"`
	PositionY   float64           `gorm:"not null;default:0"`
	ZIndex      int               `gorm:"not null;default:0"`
	Status      string            `gorm:"type:text;not null;default:'active';index"`
	CardType    sql.NullString    `gorm:"type:text"`
	Headers     models.StringList `gorm:"type:text"`
	PreviewRows models.Rows       `gorm:"type:text"`
	CreatedAt   int64             `gorm:"autoCreateTime:milli;not null"`
	UpdatedAt   int64             `gorm:"autoUpdateTime:milli;not null"`
	ArchivedAt  sql.NullInt64
}

func (Card) TableName() string { return "cards" }

// ChatMessage is a row of the chat_messages table.
type ChatMessage struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Role      string `gorm:"type:text;not null;check:role IN ('user', 'agent')"`
	Content   string `gorm:"type:text;not null"`
	Timestamp int64  `gorm:"index;not null"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// Document is a row of the documents table.
type Document struct {
	ID          string `gorm:"primaryKey"`
	Filename    string `gorm:"not null"`
	MimeType    string `gorm:"not null;default:'application/octet-stream'"`
	StoragePath string `gorm:"not null"`
	SizeBytes   int64  `gorm:"not null;default:0"`
	ContentHash string `gorm:"index"`
	CardID      sql.NullString
	Status      string `gorm:"type:text;not null;default:'processing';check:status IN ('processing', 'completed', 'failed');index"`
	Error       sql.NullString
	CreatedAt   int64 `gorm:"autoCreateTime:milli;not null"`
	UpdatedAt   int64 `gorm:"autoUpdateTime:milli;not null"`
}

func (Document) TableName() string { return "documents" }

func stackToModel(s *Stack) models.Stack {
	return models.Stack{
		ID:         s.ID,
		Name:       s.Name,
		Color:      s.Color,
		SortOrder:  s.SortOrder,
		Status:     models.StackStatus(s.Status),
		CreatedAt:  s.CreatedAt,
		ArchivedAt: s.ArchivedAt.Int64,
	}
}

func cardToModel(c *Card) models.Card {
	blocks := c.Blocks
	if blocks == nil {
		blocks = models.Blocks{}
	}
	return models.Card{
		ID:          c.ID,
		StackID:     c.StackID,
		Title:       c.Title,
		Blocks:      blocks,
		Size:        models.CardSize(c.Size),
		Position:    models.Position{X: c.PositionX, Y: c.PositionY},
		ZIndex:      c.ZIndex,
		Status:      models.StackStatus(c.Status),
		CardType:    c.CardType.String,
		Headers:     c.Headers,
		PreviewRows: c.PreviewRows,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		ArchivedAt:  c.ArchivedAt.Int64,
	}
}

func cardFromModel(c *models.Card) *Card {
	return &Card{
		ID:          c.ID,
		StackID:     c.StackID,
		Title:       c.Title,
		Blocks:      c.Blocks,
		Size:        string(c.Size),
		PositionX:   c.Position.X,
		PositionY:   c.Position.Y,
		ZIndex:      c.ZIndex,
		Status:      string(c.Status),
		CardType:    nullString(c.CardType),
		Headers:     c.Headers,
		PreviewRows: c.PreviewRows,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		ArchivedAt:  nullInt64(c.ArchivedAt),
	}
}

func documentToModel(d *Document) models.Document {
	return models.Document{
		ID:          d.ID,
		Filename:    d.Filename,
		MimeType:    d.MimeType,
		StoragePath: d.StoragePath,
		SizeBytes:   d.SizeBytes,
		ContentHash: d.ContentHash,
		CardID:      d.CardID.String,
		Status:      models.DocumentStatus(d.Status),
		Error:       d.Error.String,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
