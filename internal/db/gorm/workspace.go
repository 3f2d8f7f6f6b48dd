package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

// CreateStack adds a stack at the end of the sort order.
func (s *Store) CreateStack(ctx context.Context, name, color string) (*models.Stack, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled"
	}
	if color == "" {
		color = models.DefaultStackColor
	}

	var row Stack
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		var maxOrder int
		if err := tx.Model(&Stack{}).Select("COALESCE(MAX(sort_order), -1)").Scan(&maxOrder).Error; err != nil {
			return err
		}
		row = Stack{
			ID:        protocol.ShortID("stk"),
			Name:      name,
			Color:     color,
			SortOrder: maxOrder + 1,
			Status:    string(models.StatusActive),
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create stack: %w", err)
	}
	out := stackToModel(&row)
	return &out, nil
}

// EnsureDefaultStack returns the first active stack, creating "Main" when there is none.
func (s *Store) EnsureDefaultStack(ctx context.Context) (*models.Stack, error) {
	var row Stack
	err := s.DB.WithContext(ctx).
		Where("status = ?", string(models.StatusActive)).
		Order("sort_order ASC, created_at ASC").
		First(&row).Error
	if err == nil {
		out := stackToModel(&row)
		return &out, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.CreateStack(ctx, models.DefaultStackName, models.DefaultStackColor)
}

// GetStack returns a stack by id.
func (s *Store) GetStack(ctx context.Context, id string) (*models.Stack, error) {
	var row Stack
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStackNotFound
	}
	if err != nil {
		return nil, err
	}
	out := stackToModel(&row)
	return &out, nil
}

// ListStacks returns stacks in sort order.
func (s *Store) ListStacks(ctx context.Context, includeArchived bool) ([]models.Stack, error) {
	var rows []Stack
	q := s.DB.WithContext(ctx).Order("sort_order ASC, created_at ASC")
	if !includeArchived {
		q = q.Where("status = ?", string(models.StatusActive))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	out := make([]models.Stack, 0, len(rows))
	for i := range rows {
		out = append(out, stackToModel(&rows[i]))
	}
	return out, nil
}

// ArchiveStack archives a stack and every active card in it in one transaction.
// It returns the number of cards archived.
func (s *Store) ArchiveStack(ctx context.Context, id string) (int64, error) {
	now := time.Now().UnixMilli()
	var cards int64
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Stack{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": string(models.StatusArchived), "archived_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStackNotFound
		}
		res = tx.Model(&Card{}).
			Where("stack_id = ? AND status <> ?", id, string(models.StatusArchived)).
			Updates(map[string]any{"status": string(models.StatusArchived), "archived_at": now, "updated_at": now})
		cards = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("archive stack %s: %w", id, err)
	}
	return cards, nil
}

// RestoreStack reactivates a stack and the cards its archive cascaded to.
// Cards archived individually before the stack keep their status.
func (s *Store) RestoreStack(ctx context.Context, id string) (int64, error) {
	now := time.Now().UnixMilli()
	var cards int64
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		var row Stack
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStackNotFound
			}
			return err
		}
		if row.Status != string(models.StatusArchived) {
			return nil
		}
		if err := tx.Model(&Stack{}).Where("id = ?", id).
			Updates(map[string]any{"status": string(models.StatusActive), "archived_at": nil}).Error; err != nil {
			return err
		}
		res := tx.Model(&Card{}).
			Where("stack_id = ? AND status = ? AND archived_at = ?", id, string(models.StatusArchived), row.ArchivedAt.Int64).
			Updates(map[string]any{"status": string(models.StatusActive), "archived_at": nil, "updated_at": now})
		cards = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("restore stack %s: %w", id, err)
	}
	return cards, nil
}

var cardUpsertColumns = []string{
	"stack_id", "title", "blocks", "size", "position_x", "position_y", "z_index",
	"status", "card_type", "headers", "preview_rows", "updated_at", "archived_at",
}

// UpsertCard inserts or updates a card keyed by id in one statement.
func (s *Store) UpsertCard(ctx context.Context, c *models.Card) error {
	if c.ID == "" {
		return errors.New("upsert card: id is required")
	}
	if c.StackID == "" {
		return errors.New("upsert card: stack_id is required")
	}
	if !c.Size.Valid() {
		c.Size = models.SizeMedium
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}
	if c.Blocks == nil {
		c.Blocks = models.Blocks{}
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	row := cardFromModel(c)
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cardUpsertColumns),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert card %s: %w", c.ID, err)
	}
	return nil
}

// GetCard returns a card by id.
func (s *Store) GetCard(ctx context.Context, id string) (*models.Card, error) {
	var row Card
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	out := cardToModel(&row)
	return &out, nil
}

// ListCards returns the cards of a stack ordered by z-index.
func (s *Store) ListCards(ctx context.Context, stackID string, includeArchived bool) ([]models.Card, error) {
	var rows []Card
	q := s.DB.WithContext(ctx).Where("stack_id = ?", stackID).Order("z_index ASC, created_at ASC")
	if !includeArchived {
		q = q.Where("status = ?", string(models.StatusActive))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	out := make([]models.Card, 0, len(rows))
	for i := range rows {
		out = append(out, cardToModel(&rows[i]))
	}
	return out, nil
}

func (s *Store) setCardStatus(ctx context.Context, id string, status models.StackStatus) error {
	now := time.Now().UnixMilli()
	updates := map[string]any{"status": string(status), "updated_at": now}
	if status == models.StatusArchived {
		updates["archived_at"] = now
	}
	res := s.DB.WithContext(ctx).Model(&Card{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}

// ArchiveCard archives one card.
func (s *Store) ArchiveCard(ctx context.Context, id string) error {
	return s.setCardStatus(ctx, id, models.StatusArchived)
}

// CloseCard marks a card closed; it no longer renders but stays restorable.
func (s *Store) CloseCard(ctx context.Context, id string) error {
	return s.setCardStatus(ctx, id, models.StatusClosed)
}

// MoveCard updates position and, when given, z-index.
func (s *Store) MoveCard(ctx context.Context, id string, pos models.Position, zIndex *int) error {
	updates := map[string]any{
		"position_x": pos.X,
		"position_y": pos.Y,
		"updated_at": time.Now().UnixMilli(),
	}
	if zIndex != nil {
		updates["z_index"] = *zIndex
	}
	res := s.DB.WithContext(ctx).Model(&Card{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("move card %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}
