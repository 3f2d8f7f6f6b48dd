package models

// SessionStatus represents the status of a logical conversation.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session is one logical conversation recorded in the transcript.
// AgentSessionID is learned from the first completed turn and used for resume.
type Session struct {
	SessionKey     string        `db:"session_key" json:"session_key"`
	AgentSessionID string        `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Status         SessionStatus `db:"status" json:"status"`
	ID             int64         `db:"id" json:"id"`
	StartedAt      int64         `db:"started_at" json:"started_at"`
	EndedAt        int64         `db:"ended_at" json:"ended_at,omitempty"`
}
