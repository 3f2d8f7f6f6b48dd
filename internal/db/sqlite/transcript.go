package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/thebtf/tandem/pkg/models"
)

// DefaultKeepProcessed is how many processed observations survive pruning.
const DefaultKeepProcessed = 10000

// TranscriptMigrations is the transcript.db schema.
var TranscriptMigrations = []Migration{
	{
		Version: 1,
		Name:    "sessions and observations",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_key TEXT NOT NULL,
				agent_session_id TEXT,
				started_at INTEGER NOT NULL,
				ended_at INTEGER,
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'failed'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(session_key, started_at DESC)`,
			`CREATE TABLE IF NOT EXISTS observations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				session_id TEXT NOT NULL,
				sequence_num INTEGER NOT NULL,
				user_message TEXT NOT NULL DEFAULT '',
				tool_calls_json TEXT NOT NULL DEFAULT '[]',
				agent_response TEXT NOT NULL DEFAULT '',
				processed INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_processed ON observations(processed, sequence_num)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id)`,
		},
	},
}

// TranscriptStore is the append-only record of conversational turns.
type TranscriptStore struct {
	store   *Store
	nextSeq atomic.Int64
}

// OpenTranscript opens transcript.db at path.
func OpenTranscript(ctx context.Context, path string) (*TranscriptStore, error) {
	store, err := Open(ctx, Config{Path: path, Migrations: TranscriptMigrations})
	if err != nil {
		return nil, err
	}
	ts, err := NewTranscriptStore(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return ts, nil
}

// NewTranscriptStore wraps an opened store and seeds the sequence counter
// from the highest persisted sequence number.
func NewTranscriptStore(ctx context.Context, store *Store) (*TranscriptStore, error) {
	ts := &TranscriptStore{store: store}
	var maxSeq int64
	const query = `SELECT COALESCE(MAX(sequence_num), 0) FROM observations`
	if err := store.QueryRowContext(ctx, query).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("seed sequence: %w", err)
	}
	ts.nextSeq.Store(maxSeq + 1)
	return ts, nil
}

// Store returns the underlying store.
func (t *TranscriptStore) Store() *Store { return t.store }

// Close closes the database.
func (t *TranscriptStore) Close() error { return t.store.Close() }

// StartSession records the start of an agent session for a logical session key.
func (t *TranscriptStore) StartSession(ctx context.Context, sessionKey string) (int64, error) {
	const query = `INSERT INTO sessions (session_key, started_at, status) VALUES (?, ?, 'active')`
	result, err := t.store.ExecContext(ctx, query, sessionKey, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return result.LastInsertId()
}

// SetAgentSessionID stores the agent's own session id once it is known.
func (t *TranscriptStore) SetAgentSessionID(ctx context.Context, id int64, agentSessionID string) error {
	const query = `UPDATE sessions SET agent_session_id = ? WHERE id = ?`
	_, err := t.store.ExecContext(ctx, query, nullString(agentSessionID), id)
	return err
}

// EndSession closes a session row with the given status.
func (t *TranscriptStore) EndSession(ctx context.Context, id int64, status models.SessionStatus) error {
	const query = `UPDATE sessions SET ended_at = ?, status = ? WHERE id = ? AND ended_at IS NULL`
	_, err := t.store.ExecContext(ctx, query, time.Now().UnixMilli(), string(status), id)
	return err
}

// LatestSession returns the most recent session for a key that did not fail, or nil.
func (t *TranscriptStore) LatestSession(ctx context.Context, sessionKey string) (*models.Session, error) {
	const query = `
		SELECT id, session_key, agent_session_id, started_at, ended_at, status
		FROM sessions
		WHERE session_key = ? AND status != 'failed'
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`
	var (
		sess    models.Session
		agentID sql.NullString
		ended   sql.NullInt64
	)
	err := t.store.QueryRowContext(ctx, query, sessionKey).Scan(
		&sess.ID, &sess.SessionKey, &agentID, &sess.StartedAt, &ended, &sess.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.AgentSessionID = agentID.String
	sess.EndedAt = ended.Int64
	return &sess, nil
}

// InsertObservation appends a turn. The id, timestamp and sequence number are assigned here.
func (t *TranscriptStore) InsertObservation(ctx context.Context, obs *models.Observation) (int64, error) {
	if obs.Timestamp == 0 {
		obs.Timestamp = time.Now().UnixMilli()
	}
	obs.SequenceNum = t.nextSeq.Add(1) - 1

	const query = `
		INSERT INTO observations
		(timestamp, session_id, sequence_num, user_message, tool_calls_json, agent_response, processed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`
	result, err := t.store.ExecContext(ctx, query,
		obs.Timestamp, obs.SessionID, obs.SequenceNum,
		obs.UserMessage, obs.ToolCalls, obs.AgentResponse,
	)
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	obs.ID = id
	obs.Processed = false
	return id, nil
}

// CountUnprocessed returns the number of observations awaiting curation.
func (t *TranscriptStore) CountUnprocessed(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM observations WHERE processed = 0`
	var n int
	err := t.store.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// CountObservations returns the total number of stored observations.
func (t *TranscriptStore) CountObservations(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM observations`
	var n int
	err := t.store.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// FetchUnprocessed returns unprocessed observations in sequence order.
// A limit of zero returns all of them.
func (t *TranscriptStore) FetchUnprocessed(ctx context.Context, limit int) ([]*models.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE processed = 0 ORDER BY sequence_num ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservationRows(rows)
}

// GetObservation returns one observation by id, or nil.
func (t *TranscriptStore) GetObservation(ctx context.Context, id int64) (*models.Observation, error) {
	const query = `SELECT ` + observationColumns + ` FROM observations WHERE id = ?`
	obs, err := scanObservation(t.store.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return obs, err
}

// MarkProcessed flips processed 0→1 for ids. It never reverts a processed row.
func (t *TranscriptStore) MarkProcessed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// #nosec G202 -- placeholders only
	query := `UPDATE observations SET processed = 1 WHERE processed = 0 AND id IN (` + placeholders(len(ids)) + `)`
	result, err := t.store.ExecContext(ctx, query, int64SliceToInterface(ids)...)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return result.RowsAffected()
}

// PruneProcessed deletes processed observations beyond the newest keep.
// Unprocessed observations are never deleted.
func (t *TranscriptStore) PruneProcessed(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	const query = `
		DELETE FROM observations
		WHERE processed = 1
		  AND id NOT IN (
			SELECT id FROM observations
			WHERE processed = 1
			ORDER BY sequence_num DESC
			LIMIT ?
		  )
	`
	result, err := t.store.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("prune observations: %w", err)
	}
	return result.RowsAffected()
}
