package sqlite

import (
	"database/sql"
	"strings"

	"github.com/thebtf/tandem/pkg/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface{ Scan(...any) error }

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt64 converts an id to sql.NullInt64; zero is NULL.
func nullInt64(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i > 0}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// int64SliceToInterface converts []int64 to []any for SQL queries.
func int64SliceToInterface(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

const observationColumns = `id, timestamp, session_id, sequence_num, user_message, tool_calls_json, agent_response, processed`

// scanObservation scans a single observation from a row scanner.
func scanObservation(scanner rowScanner) (*models.Observation, error) {
	var (
		obs       models.Observation
		processed int
	)
	if err := scanner.Scan(
		&obs.ID, &obs.Timestamp, &obs.SessionID, &obs.SequenceNum,
		&obs.UserMessage, &obs.ToolCalls, &obs.AgentResponse, &processed,
	); err != nil {
		return nil, err
	}
	obs.Processed = processed == 1
	return &obs, nil
}

// scanObservationRows scans multiple observations from rows.
func scanObservationRows(rows *sql.Rows) ([]*models.Observation, error) {
	var out []*models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

const learningColumns = `id, type, content, confidence, source_observation_id, created_at`

// scanLearning scans a single learning from a row scanner.
func scanLearning(scanner rowScanner) (*models.Learning, error) {
	var (
		l      models.Learning
		source sql.NullInt64
	)
	if err := scanner.Scan(&l.ID, &l.Type, &l.Content, &l.Confidence, &source, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.SourceObservationID = source.Int64
	return &l, nil
}

// scanLearningRows scans multiple learnings from rows.
func scanLearningRows(rows *sql.Rows) ([]*models.Learning, error) {
	var out []*models.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const actionColumns = `id, content, priority, status, source_observation_id, created_at, updated_at`

// scanAction scans a single pending action from a row scanner.
func scanAction(scanner rowScanner) (*models.PendingAction, error) {
	var (
		a      models.PendingAction
		source sql.NullInt64
	)
	if err := scanner.Scan(&a.ID, &a.Content, &a.Priority, &a.Status, &source, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.SourceObservationID = source.Int64
	return &a, nil
}

// scanActionRows scans multiple pending actions from rows.
func scanActionRows(rows *sql.Rows) ([]*models.PendingAction, error) {
	var out []*models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
