package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/tandem/internal/search"
	"github.com/thebtf/tandem/pkg/models"
)

// ErrActionNotFound is returned when a pending action id does not exist.
var ErrActionNotFound = errors.New("pending action not found")

// MemoryMigrations is the memory.db schema.
var MemoryMigrations = []Migration{
	{
		Version: 1,
		Name:    "learnings with fts",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS learnings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL CHECK (type IN ('FACT', 'PATTERN', 'CORRECTION', 'PREFERENCE', 'TOOL_INSTALL')),
				content TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0.8,
				source_observation_id INTEGER,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_learnings_type ON learnings(type, created_at DESC)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
				content,
				type,
				content='learnings',
				content_rowid='id'
			)`,
			`CREATE TRIGGER IF NOT EXISTS learnings_ai AFTER INSERT ON learnings BEGIN
				INSERT INTO learnings_fts(rowid, content, type) VALUES (new.id, new.content, new.type);
			END`,
			`CREATE TRIGGER IF NOT EXISTS learnings_ad AFTER DELETE ON learnings BEGIN
				INSERT INTO learnings_fts(learnings_fts, rowid, content, type) VALUES ('delete', old.id, old.content, old.type);
			END`,
			`CREATE TRIGGER IF NOT EXISTS learnings_au AFTER UPDATE ON learnings BEGIN
				INSERT INTO learnings_fts(learnings_fts, rowid, content, type) VALUES ('delete', old.id, old.content, old.type);
				INSERT INTO learnings_fts(rowid, content, type) VALUES (new.id, new.content, new.type);
			END`,
		},
	},
	{
		Version: 2,
		Name:    "pending actions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS pending_actions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				content TEXT NOT NULL,
				priority TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('low', 'normal', 'high')),
				status TEXT NOT NULL DEFAULT 'pending',
				source_observation_id INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_actions_status ON pending_actions(status, created_at DESC)`,
		},
	},
}

// MemoryStore holds curated learnings and pending actions.
type MemoryStore struct {
	store *Store
}

// OpenMemory opens memory.db at path.
func OpenMemory(ctx context.Context, path string) (*MemoryStore, error) {
	store, err := Open(ctx, Config{Path: path, Migrations: MemoryMigrations})
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(store), nil
}

// NewMemoryStore wraps an opened store.
func NewMemoryStore(store *Store) *MemoryStore {
	return &MemoryStore{store: store}
}

// Store returns the underlying store.
func (m *MemoryStore) Store() *Store { return m.store }

// Close closes the database.
func (m *MemoryStore) Close() error { return m.store.Close() }

// Tx runs fn in one memory.db transaction.
func (m *MemoryStore) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.store.Tx(ctx, fn)
}

// InsertLearning stores one learning.
func (m *MemoryStore) InsertLearning(ctx context.Context, l *models.Learning) (int64, error) {
	if _, ok := models.ParseLearningType(string(l.Type)); !ok {
		return 0, fmt.Errorf("insert learning: unknown type %q", l.Type)
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	if l.Confidence == 0 {
		l.Confidence = 0.8
	}
	const query = `
		INSERT INTO learnings (type, content, confidence, source_observation_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := m.store.ExecContext(ctx, query,
		string(l.Type), l.Content, l.Confidence, nullInt64(l.SourceObservationID), l.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert learning: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

// InsertAction stores one pending action.
func (m *MemoryStore) InsertAction(ctx context.Context, a *models.PendingAction) (int64, error) {
	now := time.Now().UnixMilli()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	if a.Priority == "" {
		a.Priority = models.PriorityNormal
	}
	if a.Status == "" {
		a.Status = models.ActionPending
	}
	const query = `
		INSERT INTO pending_actions (content, priority, status, source_observation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := m.store.ExecContext(ctx, query,
		a.Content, string(a.Priority), string(a.Status), nullInt64(a.SourceObservationID), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert pending action: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// SaveBatch stores learnings and actions in a single transaction.
func (m *MemoryStore) SaveBatch(ctx context.Context, learnings []*models.Learning, actions []*models.PendingAction) error {
	if len(learnings) == 0 && len(actions) == 0 {
		return nil
	}
	return m.store.Tx(ctx, func(ctx context.Context) error {
		for _, l := range learnings {
			if _, err := m.InsertLearning(ctx, l); err != nil {
				return err
			}
		}
		for _, a := range actions {
			if _, err := m.InsertAction(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// Search finds learnings matching query. Word matches from FTS5 and
// substring matches are fused by reciprocal rank, so partial words still
// surface. typ and limit are optional.
func (m *MemoryStore) Search(ctx context.Context, query string, typ models.LearningType, limit int) ([]*models.Learning, error) {
	if limit <= 0 {
		limit = 20
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return m.ListByType(ctx, typ, limit)
	}

	var fts []*models.Learning
	if ftsQuery := SanitizeFTSQuery(query); ftsQuery != "" {
		var err error
		fts, err = m.searchFTS(ctx, ftsQuery, typ, limit)
		if err != nil {
			log.Warn().Err(err).Str("query", query).Msg("FTS search failed, using substring matches only")
		}
	}
	like, err := m.searchLike(ctx, query, typ, limit)
	if err != nil {
		if fts == nil {
			return nil, err
		}
		log.Warn().Err(err).Msg("Substring search failed")
	}

	byID := make(map[int64]*models.Learning, len(fts)+len(like))
	for _, l := range append(append([]*models.Learning{}, fts...), like...) {
		byID[l.ID] = l
	}
	ids := search.IDs(search.RRF(learningIDs(fts), learningIDs(like)), limit)
	results := make([]*models.Learning, 0, len(ids))
	for _, id := range ids {
		results = append(results, byID[id])
	}
	return results, nil
}

func learningIDs(ls []*models.Learning) []int64 {
	ids := make([]int64, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
	}
	return ids
}

func (m *MemoryStore) searchFTS(ctx context.Context, ftsQuery string, typ models.LearningType, limit int) ([]*models.Learning, error) {
	q := `
		SELECT l.id, l.type, l.content, l.confidence, l.source_observation_id, l.created_at
		FROM learnings_fts
		JOIN learnings l ON l.id = learnings_fts.rowid
		WHERE learnings_fts MATCH ?`
	args := []any{ftsQuery}
	if typ != "" {
		q += ` AND l.type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY bm25(learnings_fts), l.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.store.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLearningRows(rows)
}

func (m *MemoryStore) searchLike(ctx context.Context, query string, typ models.LearningType, limit int) ([]*models.Learning, error) {
	q := `SELECT ` + learningColumns + ` FROM learnings WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if typ != "" {
		q += ` AND type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.store.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search learnings: %w", err)
	}
	defer rows.Close()
	return scanLearningRows(rows)
}

// ListByType returns learnings newest first; an empty type lists all.
// A limit of zero returns every row.
func (m *MemoryStore) ListByType(ctx context.Context, typ models.LearningType, limit int) ([]*models.Learning, error) {
	q := `SELECT ` + learningColumns + ` FROM learnings`
	args := []any{}
	if typ != "" {
		q += ` WHERE type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := m.store.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rows.Close()
	return scanLearningRows(rows)
}

// CountLearnings returns the number of stored learnings.
func (m *MemoryStore) CountLearnings(ctx context.Context) (int, error) {
	var n int
	err := m.store.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings`).Scan(&n)
	return n, err
}

// ListActions returns pending actions with the given status, newest first.
// An empty status lists all.
func (m *MemoryStore) ListActions(ctx context.Context, status models.ActionStatus, limit int) ([]*models.PendingAction, error) {
	q := `SELECT ` + actionColumns + ` FROM pending_actions`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := m.store.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()
	return scanActionRows(rows)
}

// UpdateActionStatus moves a pending action to a new status.
func (m *MemoryStore) UpdateActionStatus(ctx context.Context, id int64, status models.ActionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update pending action: invalid status %q", status)
	}
	const query = `UPDATE pending_actions SET status = ?, updated_at = ? WHERE id = ?`
	result, err := m.store.ExecContext(ctx, query, string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update pending action: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	return nil
}

// SanitizeFTSQuery quotes each word so user text cannot inject FTS5 syntax.
// Words are OR-ed together.
func SanitizeFTSQuery(query string) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		clean := strings.Map(func(r rune) rune {
			if r == '"' {
				return -1
			}
			return r
		}, w)
		if clean != "" {
			quoted = append(quoted, `"`+clean+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
