package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/tandem/pkg/models"
)

// AddChatMessage appends a message and prunes history beyond the retention
// limit in the same transaction.
func (s *Store) AddChatMessage(ctx context.Context, role models.ChatRole, content string) (*models.ChatMessage, error) {
	row := ChatMessage{
		Role:      string(role),
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM chat_messages WHERE id NOT IN (
			SELECT id FROM chat_messages ORDER BY id DESC LIMIT ?
		)`, s.chatLimit).Error
	})
	if err != nil {
		return nil, fmt.Errorf("add chat message: %w", err)
	}
	return &models.ChatMessage{
		ID:        row.ID,
		Role:      models.ChatRole(row.Role),
		Content:   row.Content,
		Timestamp: row.Timestamp,
	}, nil
}

// RecentChat returns up to limit of the newest messages, oldest first.
func (s *Store) RecentChat(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ChatMessage
	if err := s.DB.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	out := make([]models.ChatMessage, len(rows))
	for i := range rows {
		r := rows[len(rows)-1-i]
		out[i] = models.ChatMessage{
			ID:        r.ID,
			Role:      models.ChatRole(r.Role),
			Content:   r.Content,
			Timestamp: r.Timestamp,
		}
	}
	return out, nil
}

// CountChat returns the number of retained messages.
func (s *Store) CountChat(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&ChatMessage{}).Count(&n).Error
	return n, err
}
