package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/thebtf/tandem/internal/agent"
	"github.com/thebtf/tandem/pkg/models"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

type memorySearchInput struct {
	Query string `json:"query"`
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

type memoryHit struct {
	Type    models.LearningType `json:"type"`
	Content string              `json:"content"`
}

type memorySearchResult struct {
	Query   string      `json:"query"`
	Results []memoryHit `json:"results"`
}

type memoryWriteInput struct {
	Content string `json:"content"`
}

func memorySearchTool(env Env) agent.Tool {
	types := make([]string, 0, len(models.LearningTypes))
	for _, t := range models.LearningTypes {
		types = append(types, string(t))
	}
	return agent.Tool{
		Name:        "memory_search",
		Description: "Search curated learnings about the user and past work.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"type":  map[string]any{"type": "string", "enum": types},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxSearchLimit},
			},
			"required": []string{"query"},
		},
		Handler: handler("memory_search", func(ctx context.Context, in *memorySearchInput) (any, error) {
			query := strings.TrimSpace(in.Query)
			if query == "" {
				return nil, errors.New("query is required")
			}
			var typ models.LearningType
			if in.Type != "" {
				t, ok := models.ParseLearningType(in.Type)
				if !ok {
					return nil, fmt.Errorf("unknown learning type %q", in.Type)
				}
				typ = t
			}
			limit := in.Limit
			if limit <= 0 {
				limit = defaultSearchLimit
			}
			if limit > maxSearchLimit {
				limit = maxSearchLimit
			}

			found, err := env.Memory.Search(ctx, query, typ, limit)
			if err != nil {
				return nil, fmt.Errorf("search memory: %w", err)
			}
			out := memorySearchResult{Query: query, Results: make([]memoryHit, 0, len(found))}
			for _, l := range found {
				out.Results = append(out.Results, memoryHit{Type: l.Type, Content: l.Content})
			}
			return out, nil
		}),
	}
}

func memoryWriteTool(env Env) agent.Tool {
	return agent.Tool{
		Name:        "memory_write",
		Description: "Append a note to today's memory journal.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"content": map[string]any{"type": "string"}},
			"required":   []string{"content"},
		},
		Handler: handler("memory_write", func(_ context.Context, in *memoryWriteInput) (any, error) {
			content := strings.TrimSpace(in.Content)
			if content == "" {
				return nil, errors.New("content is required")
			}
			if err := env.Journal.AppendJournal(content); err != nil {
				return nil, fmt.Errorf("write journal: %w", err)
			}
			return map[string]string{"status": "written"}, nil
		}),
	}
}
