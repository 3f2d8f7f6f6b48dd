package models

import "strings"

// LearningType classifies a curated learning.
type LearningType string

const (
	LearningFact        LearningType = "FACT"
	LearningPattern     LearningType = "PATTERN"
	LearningCorrection  LearningType = "CORRECTION"
	LearningPreference  LearningType = "PREFERENCE"
	LearningToolInstall LearningType = "TOOL_INSTALL"
)

// LearningTypes lists every learning type in prompt order.
var LearningTypes = []LearningType{
	LearningFact,
	LearningPattern,
	LearningCorrection,
	LearningPreference,
	LearningToolInstall,
}

// ParseLearningType accepts any casing. ok is false for unknown types.
func ParseLearningType(s string) (LearningType, bool) {
	t := LearningType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range LearningTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Learning is an immutable fact distilled from observations.
type Learning struct {
	Type                LearningType `db:"type" json:"type"`
	Content             string       `db:"content" json:"content"`
	ID                  int64        `db:"id" json:"id"`
	Confidence          float64      `db:"confidence" json:"confidence"`
	SourceObservationID int64        `db:"source_observation_id" json:"source_observation_id,omitempty"`
	CreatedAt           int64        `db:"created_at" json:"created_at"`
}

// Priority of a pending action.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps free text to a priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// ActionStatus tracks a pending action through its lifecycle.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionDone      ActionStatus = "done"
	ActionDismissed ActionStatus = "dismissed"
)

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionDone, ActionDismissed:
		return true
	}
	return false
}

// PendingAction is a follow-up item extracted by curation.
type PendingAction struct {
	Content             string       `db:"content" json:"content"`
	Priority            Priority     `db:"priority" json:"priority"`
	Status              ActionStatus `db:"status" json:"status"`
	ID                  int64        `db:"id" json:"id"`
	SourceObservationID int64        `db:"source_observation_id" json:"source_observation_id,omitempty"`
	CreatedAt           int64        `db:"created_at" json:"created_at"`
	UpdatedAt           int64        `db:"updated_at" json:"updated_at"`
}
