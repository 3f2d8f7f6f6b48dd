package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

var blockSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"type": map[string]any{
			"type": "string",
			"enum": []string{"heading", "stat", "key-value", "table", "badge", "progress", "text", "separator"},
		},
		"text":     map[string]any{"type": "string"},
		"subtitle": map[string]any{"type": "string"},
		"label":    map[string]any{"type": "string"},
		"value":    map[string]any{},
		"trend":    map[string]any{"type": "string"},
		"variant":  map[string]any{"type": "string"},
		"content":  map[string]any{"type": "string"},
		"max":      map[string]any{"type": "number"},
		"pairs": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":       "object",
				"properties": map[string]any{"key": map[string]any{"type": "string"}, "value": map[string]any{}},
				"required":   []string{"key", "value"},
			},
		},
		"headers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"rows":    map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
	},
	"required": []string{"type"},
}

var sizeSchema = map[string]any{"type": "string", "enum": []string{"small", "medium", "large", "full"}}

type createCardInput struct {
	Title       string                   `json:"title"`
	Blocks      flexList[models.Block]   `json:"blocks"`
	Size        string                   `json:"size"`
	CardType    string                   `json:"card_type"`
	StackID     string                   `json:"stack_id"`
	Position    *models.Position         `json:"position"`
	Headers     []string                 `json:"headers"`
	PreviewRows flexList[map[string]any] `json:"preview_rows"`
}

type updateCardInput struct {
	CardID string                 `json:"card_id"`
	Title  *string                `json:"title"`
	Blocks flexList[models.Block] `json:"blocks"`
	Size   string                 `json:"size"`
}

type closeCardInput struct {
	CardID string `json:"card_id"`
}

type cardResult struct {
	CardID string `json:"card_id"`
	Status string `json:"status"`
	Blocks int    `json:"blocks,omitempty"`
}

// normalizeTitle trims a title and rejects an empty one.
func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("title is required")
	}
	return title, nil
}

// normalizeSize defaults an empty size to medium.
func normalizeSize(size string) (models.CardSize, error) {
	s := models.CardSize(strings.ToLower(strings.TrimSpace(size)))
	if s == "" {
		return models.SizeMedium, nil
	}
	if !s.Valid() {
		return "", fmt.Errorf("size must be one of small, medium, large, full (got %q)", size)
	}
	return s, nil
}

// normalizeBlocks validates every block and assigns missing ids.
func normalizeBlocks(blocks []models.Block) (models.Blocks, error) {
	out := make(models.Blocks, 0, len(blocks))
	for i := range blocks {
		b := blocks[i]
		b.Type = models.BlockType(strings.ToLower(strings.TrimSpace(string(b.Type))))
		if err := b.Validate(i); err != nil {
			return nil, err
		}
		if b.ID == "" {
			b.ID = protocol.ShortID("blk")
		}
		out = append(out, b)
	}
	return out, nil
}

func createCardTool(env Env) agent.Tool {
	return agent.Tool{
		Name:        "create_card",
		Description: "Create a card on the canvas from typed content blocks.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":     map[string]any{"type": "string"},
				"blocks":    map[string]any{"type": "array", "items": blockSchema},
				"size":      sizeSchema,
				"card_type": map[string]any{"type": "string"},
			},
			"required": []string{"title", "blocks"},
		},
		Handler: handler("create_card", func(ctx context.Context, in *createCardInput) (any, error) {
			title, err := normalizeTitle(in.Title)
			if err != nil {
				return nil, err
			}
			size, err := normalizeSize(in.Size)
			if err != nil {
				return nil, err
			}
			blocks, err := normalizeBlocks(in.Blocks)
			if err != nil {
				return nil, err
			}

			card := &models.Card{
				ID:          protocol.ShortID("card"),
				StackID:     in.StackID,
				Title:       title,
				Blocks:      blocks,
				Size:        size,
				Status:      models.StatusActive,
				CardType:    strings.TrimSpace(in.CardType),
				Headers:     in.Headers,
				PreviewRows: models.Rows(in.PreviewRows),
			}
			if in.Position != nil {
				card.Position = *in.Position
			}
			if err := env.saveCard(ctx, card); err != nil {
				return nil, err
			}
			env.emit(protocol.CanvasUpdateMessage(protocol.CanvasCreate, card.ID, card))
			return cardResult{CardID: card.ID, Status: "created", Blocks: len(blocks)}, nil
		}),
	}
}

func updateCardTool(env Env) agent.Tool {
	return agent.Tool{
		Name:        "update_card",
		Description: "Replace the title, blocks or size of an existing card.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"card_id": map[string]any{"type": "string"},
				"title":   map[string]any{"type": "string"},
				"blocks":  map[string]any{"type": "array", "items": blockSchema},
				"size":    sizeSchema,
			},
			"required": []string{"card_id"},
		},
		Handler: handler("update_card", func(ctx context.Context, in *updateCardInput) (any, error) {
			id := strings.TrimSpace(in.CardID)
			if id == "" {
				return nil, errNoCard
			}

			card := &models.Card{ID: id, Status: models.StatusActive, Size: models.SizeMedium}
			if env.Workspace != nil {
				existing, err := env.Workspace.GetCard(ctx, id)
				if err != nil {
					return nil, fmt.Errorf("card %s: %w", id, err)
				}
				card = existing
			}

			if in.Title != nil {
				title, err := normalizeTitle(*in.Title)
				if err != nil {
					return nil, err
				}
				card.Title = title
			}
			if in.Blocks != nil {
				blocks, err := normalizeBlocks(in.Blocks)
				if err != nil {
					return nil, err
				}
				card.Blocks = blocks
			}
			if in.Size != "" {
				size, err := normalizeSize(in.Size)
				if err != nil {
					return nil, err
				}
				card.Size = size
			}

			if env.Workspace != nil {
				if err := env.Workspace.UpsertCard(ctx, card); err != nil {
					return nil, fmt.Errorf("save card: %w", err)
				}
			}
			env.emit(protocol.CanvasUpdateMessage(protocol.CanvasUpdate, card.ID, card))
			return cardResult{CardID: card.ID, Status: "updated", Blocks: len(card.Blocks)}, nil
		}),
	}
}

func closeCardTool(env Env) agent.Tool {
	return agent.Tool{
		Name:        "close_card",
		Description: "Close a card so it no longer renders on the canvas.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"card_id": map[string]any{"type": "string"}},
			"required":   []string{"card_id"},
		},
		Handler: handler("close_card", func(ctx context.Context, in *closeCardInput) (any, error) {
			id := strings.TrimSpace(in.CardID)
			if id == "" {
				return nil, errNoCard
			}
			if env.Workspace != nil {
				if err := env.Workspace.CloseCard(ctx, id); err != nil {
					return nil, fmt.Errorf("close card %s: %w", id, err)
				}
			}
			env.emit(protocol.CanvasUpdateMessage(protocol.CanvasClose, id, nil))
			return cardResult{CardID: id, Status: "closed"}, nil
		}),
	}
}

// saveCard persists a new card when a store and a stack are bound.
func (e Env) saveCard(ctx context.Context, card *models.Card) error {
	if card.StackID == "" {
		card.StackID = e.activeStack()
	}
	if e.Workspace == nil || card.StackID == "" {
		return nil
	}
	if err := e.Workspace.UpsertCard(ctx, card); err != nil {
		return fmt.Errorf("save card: %w", err)
	}
	return nil
}
