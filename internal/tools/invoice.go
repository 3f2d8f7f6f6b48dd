package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

// Invoice table columns, in display order.
var invoiceHeaders = []string{"Description", "Quantity", "Unit Price", "Total"}

const invoicePreviewRows = 3

type lineItem struct {
	Description string `json:"description"`
	Quantity    number `json:"quantity"`
	UnitPrice   number `json:"unit_price"`
	Total       number `json:"total"`
}

type invoiceInput struct {
	Vendor        string             `json:"vendor"`
	FilePath      string             `json:"file_path"`
	InvoiceNumber string             `json:"invoice_number"`
	InvoiceDate   string             `json:"invoice_date"`
	DueDate       string             `json:"due_date"`
	Currency      string             `json:"currency"`
	LineItems     flexList[lineItem] `json:"line_items"`
	Subtotal      number             `json:"subtotal"`
	Tax           number             `json:"tax"`
	GrandTotal    number             `json:"grand_total"`
	DocumentID    string             `json:"document_id"`
	CardID        string             `json:"card_id"`
	StackID       string             `json:"stack_id"`
}

type invoiceResult struct {
	CardID     string `json:"card_id"`
	Status     string `json:"status"`
	LineItems  int    `json:"line_items"`
	DocumentID string `json:"document_id,omitempty"`
}

// normalizeInvoice trims the input and enforces the required fields.
func normalizeInvoice(in *invoiceInput) error {
	in.Vendor = strings.TrimSpace(in.Vendor)
	in.FilePath = strings.TrimSpace(in.FilePath)
	if in.Vendor == "" {
		return errors.New("vendor is required")
	}
	if in.FilePath == "" {
		return errors.New("file_path is required")
	}
	if len(in.LineItems) == 0 {
		return errors.New("line_items must contain at least one item")
	}
	for i := range in.LineItems {
		item := &in.LineItems[i]
		item.Description = strings.TrimSpace(item.Description)
		if item.Description == "" {
			return fmt.Errorf("line_items[%d]: description is required", i)
		}
		if !item.Total.Set && item.Quantity.Set && item.UnitPrice.Set {
			item.Total = number{Value: item.Quantity.Value * item.UnitPrice.Value, Set: true}
		}
	}
	if in.Currency == "" {
		in.Currency = "$"
	}
	return nil
}

func formatQuantity(n number) string {
	if !n.Set {
		return ""
	}
	return strconv.FormatFloat(n.Value, 'f', -1, 64)
}

func formatMoney(symbol string, n number) string {
	if !n.Set {
		return ""
	}
	if n.Value < 0 {
		return fmt.Sprintf("-%s%.2f", symbol, -n.Value)
	}
	return fmt.Sprintf("%s%.2f", symbol, n.Value)
}

// invoiceCard renders a normalized invoice as a table card.
func invoiceCard(in *invoiceInput) *models.Card {
	rows := make([]map[string]any, 0, len(in.LineItems))
	for _, item := range in.LineItems {
		rows = append(rows, map[string]any{
			"Description": item.Description,
			"Quantity":    formatQuantity(item.Quantity),
			"Unit Price":  formatMoney(in.Currency, item.UnitPrice),
			"Total":       formatMoney(in.Currency, item.Total),
		})
	}

	heading := models.Block{ID: protocol.ShortID("blk"), Type: models.BlockHeading, Text: in.Vendor}
	if in.InvoiceNumber != "" {
		heading.Subtitle = "Invoice " + in.InvoiceNumber
	}

	var pairs []models.KeyValue
	add := func(key, value string) {
		if value != "" {
			pairs = append(pairs, models.KeyValue{Key: key, Value: value})
		}
	}
	add("Invoice Number", in.InvoiceNumber)
	add("Invoice Date", in.InvoiceDate)
	add("Due Date", in.DueDate)
	add("Subtotal", formatMoney(in.Currency, in.Subtotal))
	add("Tax", formatMoney(in.Currency, in.Tax))
	add("Grand Total", formatMoney(in.Currency, in.GrandTotal))
	add("Source", in.FilePath)

	blocks := models.Blocks{heading}
	blocks = append(blocks, models.Block{ID: protocol.ShortID("blk"), Type: models.BlockKeyValue, Pairs: pairs})
	blocks = append(blocks, models.Block{ID: protocol.ShortID("blk"), Type: models.BlockTable, Headers: invoiceHeaders, Rows: rows})
	blocks = append(blocks, models.Block{ID: protocol.ShortID("blk"), Type: models.BlockBadge, Text: "Extracted", Variant: "success"})

	preview := rows
	if len(preview) > invoicePreviewRows {
		preview = preview[:invoicePreviewRows]
	}

	id := strings.TrimSpace(in.CardID)
	if id == "" {
		id = protocol.ShortID("card")
	}
	return &models.Card{
		ID:          id,
		StackID:     in.StackID,
		Title:       "Invoice: " + in.Vendor,
		Blocks:      blocks,
		Size:        models.SizeLarge,
		Status:      models.StatusActive,
		CardType:    "table",
		Headers:     models.StringList(invoiceHeaders),
		PreviewRows: models.Rows(preview),
	}
}

func extractInvoiceTool(env Env) agent.Tool {
	return agent.Tool{
		Name:        "extract_invoice",
		Description: "Record the vendor, totals and line items read from an uploaded invoice as a table card.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"vendor":         map[string]any{"type": "string"},
				"file_path":      map[string]any{"type": "string"},
				"invoice_number": map[string]any{"type": "string"},
				"invoice_date":   map[string]any{"type": "string"},
				"due_date":       map[string]any{"type": "string"},
				"currency":       map[string]any{"type": "string"},
				"subtotal":       map[string]any{"type": "number"},
				"tax":            map[string]any{"type": "number"},
				"grand_total":    map[string]any{"type": "number"},
				"document_id":    map[string]any{"type": "string"},
				"card_id":        map[string]any{"type": "string"},
				"line_items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"description": map[string]any{"type": "string"},
							"quantity":    map[string]any{"type": "number"},
							"unit_price":  map[string]any{"type": "number"},
							"total":       map[string]any{"type": "number"},
						},
						"required": []string{"description"},
					},
				},
			},
			"required": []string{"vendor", "file_path", "line_items"},
		},
		Handler: handler("extract_invoice", func(ctx context.Context, in *invoiceInput) (any, error) {
			if err := normalizeInvoice(in); err != nil {
				return nil, err
			}
			card := invoiceCard(in)

			action := protocol.CanvasCreate
			if strings.TrimSpace(in.CardID) != "" {
				action = protocol.CanvasUpdate
				if env.Workspace != nil && card.StackID == "" {
					if existing, err := env.Workspace.GetCard(ctx, card.ID); err == nil {
						card.StackID = existing.StackID
						card.Position = existing.Position
						card.ZIndex = existing.ZIndex
						card.CreatedAt = existing.CreatedAt
					}
				}
			}
			if err := env.saveCard(ctx, card); err != nil {
				return nil, err
			}
			if in.DocumentID != "" && env.Workspace != nil {
				if err := env.Workspace.SetDocumentCard(ctx, in.DocumentID, card.ID); err != nil {
					return nil, fmt.Errorf("link document: %w", err)
				}
				if err := env.Workspace.UpdateDocumentStatus(ctx, in.DocumentID, models.DocumentCompleted, ""); err != nil {
					return nil, fmt.Errorf("complete document: %w", err)
				}
			}
			env.emit(protocol.CanvasUpdateMessage(action, card.ID, card))
			return invoiceResult{CardID: card.ID, Status: "extracted", LineItems: len(in.LineItems), DocumentID: in.DocumentID}, nil
		}),
	}
}
