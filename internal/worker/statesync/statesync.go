// Package statesync builds the full workspace snapshot sent on every
// (re)connect. There is no diff protocol; clients replace their state.
package statesync

import (
	"context"
	"fmt"

	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

// ChatHistoryLimit is the number of newest chat messages in a snapshot.
const ChatHistoryLimit = 50

// Store is the workspace subset a snapshot reads.
type Store interface {
	EnsureDefaultStack(ctx context.Context) (*models.Stack, error)
	ListStacks(ctx context.Context, includeArchived bool) ([]models.Stack, error)
	ListCards(ctx context.Context, stackID string, includeArchived bool) ([]models.Card, error)
	RecentChat(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// StackView is one active stack with its active cards.
type StackView struct {
	models.Stack
	Cards []models.Card `json:"cards"`
}

// Snapshot is the state_sync payload.
type Snapshot struct {
	Stacks        []StackView          `json:"stacks"`
	ActiveStackID string               `json:"active_stack_id"`
	ChatHistory   []models.ChatMessage `json:"chat_history"`
}

// Builder assembles snapshots from a workspace store.
type Builder struct {
	store Store
}

// NewBuilder returns a builder over store.
func NewBuilder(store Store) *Builder {
	return &Builder{store: store}
}

// Build reads every active stack and card plus recent chat. activeHint is
// the session's current stack; it is used when still active, otherwise the
// first stack is active.
func (b *Builder) Build(ctx context.Context, activeHint string) (*Snapshot, error) {
	def, err := b.store.EnsureDefaultStack(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure default stack: %w", err)
	}
	stacks, err := b.store.ListStacks(ctx, false)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Stacks:        make([]StackView, 0, len(stacks)),
		ActiveStackID: def.ID,
	}
	hintFound := false
	for _, st := range stacks {
		cards, err := b.store.ListCards(ctx, st.ID, false)
		if err != nil {
			return nil, fmt.Errorf("list cards of %s: %w", st.ID, err)
		}
		if cards == nil {
			cards = []models.Card{}
		}
		snap.Stacks = append(snap.Stacks, StackView{Stack: st, Cards: cards})
		if st.ID == activeHint {
			hintFound = true
		}
	}
	if hintFound {
		snap.ActiveStackID = activeHint
	} else if len(snap.Stacks) > 0 {
		snap.ActiveStackID = snap.Stacks[0].ID
	}

	chat, err := b.store.RecentChat(ctx, ChatHistoryLimit)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		chat = []models.ChatMessage{}
	}
	snap.ChatHistory = chat
	return snap, nil
}

// Message wraps the snapshot in a state_sync envelope.
func (s *Snapshot) Message() protocol.Envelope {
	return protocol.NewMessage(protocol.TypeStateSync, s)
}
