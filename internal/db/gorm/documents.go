package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

// CreateDocument records an upload. ID and status are filled in when empty.
func (s *Store) CreateDocument(ctx context.Context, d *models.Document) error {
	if d.ID == "" {
		d.ID = protocol.ShortID("doc")
	}
	if d.Status == "" {
		d.Status = models.DocumentProcessing
	}
	if d.MimeType == "" {
		d.MimeType = "application/octet-stream"
	}
	row := Document{
		ID:          d.ID,
		Filename:    d.Filename,
		MimeType:    d.MimeType,
		StoragePath: d.StoragePath,
		SizeBytes:   d.SizeBytes,
		ContentHash: d.ContentHash,
		CardID:      nullString(d.CardID),
		Status:      string(d.Status),
		Error:       nullString(d.Error),
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	d.CreatedAt = row.CreatedAt
	d.UpdatedAt = row.UpdatedAt
	return nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var row Document
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	out := documentToModel(&row)
	return &out, nil
}

// UpdateDocumentStatus records the processing outcome.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string) error {
	return s.updateDocument(ctx, id, map[string]any{"status": string(status), "error": nullString(errMsg)})
}

// SetDocumentCard links a document to the card rendering it.
func (s *Store) SetDocumentCard(ctx context.Context, id, cardID string) error {
	return s.updateDocument(ctx, id, map[string]any{"card_id": nullString(cardID)})
}

func (s *Store) updateDocument(ctx context.Context, id string, updates map[string]any) error {
	res := s.DB.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update document %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
