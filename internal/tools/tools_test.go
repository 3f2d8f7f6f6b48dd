package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/tandem/internal/agent"
	workspacedb "github.com/thebtf/tandem/internal/db/gorm"
	"github.com/thebtf/tandem/internal/db/sqlite"
	"github.com/thebtf/tandem/internal/memory"
	"github.com/thebtf/tandem/pkg/models"
	"github.com/thebtf/tandem/pkg/protocol"
)

type captured struct {
	mu   sync.Mutex
	msgs []protocol.Envelope
}

func (c *captured) emit(env protocol.Envelope) {
	c.mu.Lock()
	c.msgs = append(c.msgs, env)
	c.mu.Unlock()
}

func (c *captured) updates(t *testing.T) []protocol.CanvasUpdatePayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.CanvasUpdatePayload, 0, len(c.msgs))
	for _, m := range c.msgs {
		require.Equal(t, protocol.TypeCanvasUpdate, m.Type)
		var p protocol.CanvasUpdatePayload
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		out = append(out, p)
	}
	return out
}

func openWorkspace(t *testing.T) *workspacedb.Store {
	t.Helper()
	store, err := workspacedb.NewStore(workspacedb.Config{
		Path:     filepath.Join(t.TempDir(), "workspace.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func call(t *testing.T, server agent.ToolServer, name, input string) agent.ToolResult {
	t.Helper()
	tool, ok := server.Find(name)
	require.True(t, ok, "tool %s registered", name)
	return tool.Handler(context.Background(), json.RawMessage(input))
}

func TestServer_ToolSet(t *testing.T) {
	names := func(s agent.ToolServer) []string {
		var out []string
		for _, tool := range s.Tools {
			out = append(out, tool.Name)
		}
		return out
	}
	env := Env{}
	assert.Equal(t, []string{"create_card", "update_card", "close_card", "extract_invoice"}, names(Server(env, true)))

	mem := memory.NewFiles(t.TempDir(), memory.DefaultManifest())
	env.Journal = mem
	assert.Equal(t, []string{"create_card", "update_card", "close_card", "extract_invoice", "memory_write"}, names(Server(env, true)))
	assert.Len(t, Server(env, false).Tools, 4)
	assert.Equal(t, "tandem", Server(env, false).Name)
}

func TestDecodeInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "object", raw: `{"title":"A"}`, want: "A"},
		{name: "pre-serialized string", raw: `"{\"title\":\"B\"}"`, want: "B"},
		{name: "empty", raw: ``, want: ""},
		{name: "null", raw: `null`, want: ""},
		{name: "empty string", raw: `""`, want: ""},
		{name: "garbage string", raw: `"not json"`, wantErr: true},
		{name: "array", raw: `[1]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in createCardInput
			err := decodeInput(json.RawMessage(tt.raw), &in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, in.Title)
		})
	}
}

func TestCreateCard_ValidationBoundary(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{name: "empty title", input: `{"title":"","blocks":[]}`, message: "title is required"},
		{name: "whitespace title", input: `{"title":"   ","blocks":[]}`, message: "title is required"},
		{name: "heading without text", input: `{"title":"T","blocks":[{"type":"heading"}]}`, message: "missing required field 'text'"},
		{name: "stat without value", input: `{"title":"T","blocks":[{"type":"stat","label":"Revenue"}]}`, message: "missing required field 'value'"},
		{name: "progress out of range", input: `{"title":"T","blocks":[{"type":"progress","label":"Done","value":140}]}`, message: "between 0 and 100"},
		{name: "key-value without key", input: `{"title":"T","blocks":[{"type":"key-value","pairs":[{"value":1}]}]}`, message: "without a key"},
		{name: "unknown block", input: `{"title":"T","blocks":[{"type":"chart"}]}`, message: "unknown block type"},
		{name: "missing type", input: `{"title":"T","blocks":[{"text":"x"}]}`, message: "'type'"},
		{name: "bad size", input: `{"title":"T","blocks":[],"size":"huge"}`, message: "size must be one of"},
		{name: "bad json", input: `{"title":`, message: "invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c captured
			server := Server(Env{Emit: c.emit}, false)
			res := call(t, server, "create_card", tt.input)
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content, tt.message)
			assert.Empty(t, c.msgs, "rejected calls emit nothing")
		})
	}
}

func TestCreateCard_EmitsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := openWorkspace(t)
	stack, err := store.EnsureDefaultStack(ctx)
	require.NoError(t, err)

	var c captured
	server := Server(Env{Workspace: store, Emit: c.emit, ActiveStack: func() string { return stack.ID }}, false)

	// Blocks sometimes arrive as a serialized string.
	res := call(t, server, "create_card", `{"title":" Q3 Revenue ","size":"large","blocks":"[{\"type\":\"stat\",\"label\":\"Revenue\",\"value\":1200},{\"type\":\"separator\"},{\"type\":\"progress\",\"label\":\"Goal\",\"value\":42.5}]"}`)
	require.False(t, res.IsError, res.Content)

	var out cardResult
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.True(t, strings.HasPrefix(out.CardID, "card_"))
	assert.Equal(t, 3, out.Blocks)

	updates := c.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, protocol.CanvasCreate, updates[0].Action)
	assert.Equal(t, out.CardID, updates[0].CardID)

	saved, err := store.GetCard(ctx, out.CardID)
	require.NoError(t, err)
	assert.Equal(t, "Q3 Revenue", saved.Title)
	assert.Equal(t, stack.ID, saved.StackID)
	assert.Equal(t, models.SizeLarge, saved.Size)
	require.Len(t, saved.Blocks, 3)
	for _, b := range saved.Blocks {
		assert.True(t, strings.HasPrefix(b.ID, "blk_"), b.ID)
	}
}

func TestCreateCard_NoStackEmitsOnly(t *testing.T) {
	store := openWorkspace(t)
	var c captured
	server := Server(Env{Workspace: store, Emit: c.emit}, false)

	res := call(t, server, "create_card", `{"title":"Loose","blocks":[{"type":"text","content":"hi"}]}`)
	require.False(t, res.IsError, res.Content)
	require.Len(t, c.updates(t), 1)

	stacks, err := store.ListStacks(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, stacks)
}

func TestUpdateAndCloseCard(t *testing.T) {
	ctx := context.Background()
	store := openWorkspace(t)
	stack, err := store.EnsureDefaultStack(ctx)
	require.NoError(t, err)

	var c captured
	server := Server(Env{Workspace: store, Emit: c.emit, ActiveStack: func() string { return stack.ID }}, false)

	res := call(t, server, "create_card", `{"title":"Draft","blocks":[{"type":"heading","text":"v1"}]}`)
	require.False(t, res.IsError, res.Content)
	var created cardResult
	require.NoError(t, json.Unmarshal([]byte(res.Content), &created))

	res = call(t, server, "update_card", `{"card_id":"`+created.CardID+`","title":"Final","blocks":[{"type":"badge","text":"Done"}]}`)
	require.False(t, res.IsError, res.Content)

	saved, err := store.GetCard(ctx, created.CardID)
	require.NoError(t, err)
	assert.Equal(t, "Final", saved.Title)
	require.Len(t, saved.Blocks, 1)
	assert.Equal(t, models.BlockBadge, saved.Blocks[0].Type)
	assert.Equal(t, stack.ID, saved.StackID)

	res = call(t, server, "update_card", `{"card_id":"card_missing","title":"x"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "card not found")

	res = call(t, server, "update_card", `{"card_id":"`+created.CardID+`","title":""}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "title is required")

	res = call(t, server, "close_card", `{}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "card_id is required")

	res = call(t, server, "close_card", `{"card_id":"`+created.CardID+`"}`)
	require.False(t, res.IsError, res.Content)
	closed, err := store.GetCard(ctx, created.CardID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)

	actions := []string{}
	for _, u := range c.updates(t) {
		actions = append(actions, u.Action)
	}
	assert.Equal(t, []string{protocol.CanvasCreate, protocol.CanvasUpdate, protocol.CanvasClose}, actions)
}

func TestExtractInvoice_Validation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{name: "empty vendor", input: `{"vendor":" ","file_path":"a.pdf","line_items":[{"description":"x"}]}`, message: "vendor is required"},
		{name: "empty file path", input: `{"vendor":"Acme","file_path":"","line_items":[{"description":"x"}]}`, message: "file_path is required"},
		{name: "no line items", input: `{"vendor":"Acme","file_path":"a.pdf","line_items":[]}`, message: "line_items must contain"},
		{name: "item without description", input: `{"vendor":"Acme","file_path":"a.pdf","line_items":[{"quantity":1}]}`, message: "description is required"},
		{name: "non numeric price", input: `{"vendor":"Acme","file_path":"a.pdf","line_items":[{"description":"x","unit_price":"ten"}]}`, message: "not a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c captured
			res := call(t, Server(Env{Emit: c.emit}, false), "extract_invoice", tt.input)
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content, tt.message)
			assert.Empty(t, c.msgs)
		})
	}
}

func TestExtractInvoice_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openWorkspace(t)
	stack, err := store.EnsureDefaultStack(ctx)
	require.NoError(t, err)

	doc := &models.Document{Filename: "acme.pdf", StoragePath: "/tmp/acme.pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))

	var c captured
	server := Server(Env{Workspace: store, Emit: c.emit, ActiveStack: func() string { return stack.ID }}, false)

	res := call(t, server, "extract_invoice", `{
		"vendor": "Acme Corp",
		"file_path": "/tmp/acme.pdf",
		"invoice_number": "INV-7",
		"document_id": "`+doc.ID+`",
		"line_items": [
			{"description": "Widget A", "quantity": 2, "unit_price": 10.00, "total": 20.00},
			{"description": "Widget B", "quantity": "1", "unit_price": "$15.00"}
		],
		"subtotal": 35.00,
		"tax": 3.50,
		"grand_total": 38.50
	}`)
	require.False(t, res.IsError, res.Content)

	updates := c.updates(t)
	require.Len(t, updates, 1)
	var sent models.Card
	raw, err := json.Marshal(updates[0].Card)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &sent))

	var table *models.Block
	var types []models.BlockType
	for i := range sent.Blocks {
		types = append(types, sent.Blocks[i].Type)
		if sent.Blocks[i].Type == models.BlockTable {
			table = &sent.Blocks[i]
		}
	}
	assert.Equal(t, []models.BlockType{models.BlockHeading, models.BlockKeyValue, models.BlockTable, models.BlockBadge}, types)
	require.NotNil(t, table)
	assert.Equal(t, map[string]any{
		"Description": "Widget A",
		"Quantity":    "2",
		"Unit Price":  "$10.00",
		"Total":       "$20.00",
	}, table.Rows[0])
	assert.Equal(t, "$15.00", table.Rows[1]["Total"], "total derived from quantity and price")
	assert.Equal(t, "table", sent.CardType)
	assert.Equal(t, models.StringList(invoiceHeaders), sent.Headers)

	saved, err := store.GetCard(ctx, sent.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(sent.Blocks, saved.Blocks); diff != "" {
		t.Errorf("persisted blocks differ (-sent +saved):\n%s", diff)
	}
	if diff := cmp.Diff(sent.PreviewRows, saved.PreviewRows); diff != "" {
		t.Errorf("persisted preview rows differ (-sent +saved):\n%s", diff)
	}
	assert.Equal(t, sent.Headers, saved.Headers)

	linked, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCompleted, linked.Status)
	assert.Equal(t, sent.ID, linked.CardID)
}

func TestExtractInvoice_ReplacesPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := openWorkspace(t)
	stack, err := store.EnsureDefaultStack(ctx)
	require.NoError(t, err)
	placeholder := &models.Card{
		ID:       "card_place",
		StackID:  stack.ID,
		Title:    "acme.pdf",
		Position: models.Position{X: 40, Y: 80},
		Blocks:   models.Blocks{{ID: "blk_doc", Type: models.BlockDocument, Filename: "acme.pdf"}},
	}
	require.NoError(t, store.UpsertCard(ctx, placeholder))

	var c captured
	server := Server(Env{Workspace: store, Emit: c.emit}, false)
	res := call(t, server, "extract_invoice", `{"vendor":"Acme","file_path":"acme.pdf","card_id":"card_place","line_items":[{"description":"A","total":5}]}`)
	require.False(t, res.IsError, res.Content)

	updates := c.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, protocol.CanvasUpdate, updates[0].Action)

	saved, err := store.GetCard(ctx, "card_place")
	require.NoError(t, err)
	assert.Equal(t, "Invoice: Acme", saved.Title)
	assert.Equal(t, models.Position{X: 40, Y: 80}, saved.Position)
	assert.Equal(t, stack.ID, saved.StackID)
}

type fakeSearcher struct {
	learnings []*models.Learning
	err       error
	gotType   models.LearningType
	gotLimit  int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, typ models.LearningType, limit int) ([]*models.Learning, error) {
	f.gotType, f.gotLimit = typ, limit
	return f.learnings, f.err
}

func TestMemoryTools(t *testing.T) {
	mem := &fakeSearcher{learnings: []*models.Learning{{Type: models.LearningPreference, Content: "Prefers tables"}}}
	files := memory.NewFiles(t.TempDir(), memory.DefaultManifest())
	server := Server(Env{Memory: mem, Journal: files}, true)

	res := call(t, server, "memory_search", `{"query":"tables","type":"preference","limit":500}`)
	require.False(t, res.IsError, res.Content)
	assert.JSONEq(t, `{"query":"tables","results":[{"type":"PREFERENCE","content":"Prefers tables"}]}`, res.Content)
	assert.Equal(t, models.LearningPreference, mem.gotType)
	assert.Equal(t, maxSearchLimit, mem.gotLimit)

	res = call(t, server, "memory_search", `{"query":"x","type":"GOSSIP"}`)
	assert.True(t, res.IsError)

	res = call(t, server, "memory_search", `{"query":""}`)
	assert.True(t, res.IsError)

	mem.err = errors.New("database is locked")
	res = call(t, server, "memory_search", `{"query":"x"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "database is locked")

	res = call(t, server, "memory_write", `{"content":"User is travelling next week"}`)
	require.False(t, res.IsError, res.Content)
	journal, err := files.ReadJournal(time.Now())
	require.NoError(t, err)
	assert.Contains(t, journal, "User is travelling next week")

	res = call(t, server, "memory_write", `{"content":" "}`)
	assert.True(t, res.IsError)
}

func TestMemorySearch_RealStore(t *testing.T) {
	ctx := context.Background()
	mem, err := sqlite.OpenMemory(ctx, filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, mem.SaveBatch(ctx, []*models.Learning{
		{Type: models.LearningFact, Content: "Fiscal year ends in March"},
	}, nil))

	server := Server(Env{Memory: mem}, true)
	res := call(t, server, "memory_search", `{"query":"fiscal"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "Fiscal year ends in March")
}
