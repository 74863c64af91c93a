// Package audit records immutable events for session lifecycle, chat turns,
// tool executions, and security decisions.
package audit

import (
	"time"
)

// Category groups audit events by domain.
type Category string

const (
	CategorySession  Category = "session"
	CategoryChat     Category = "chat"
	CategoryTool     Category = "tool"
	CategorySecurity Category = "security"
)

// Status is the outcome recorded on an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

// Event type names.
const (
	TypeSessionStarted = "session_started"
	TypeSessionEnded   = "session_ended"
	TypeAuthFailed     = "auth_failed"
	TypeRateLimited    = "rate_limited"
	TypeChatMessage    = "chat_message"
	TypeHistoryCleared = "history_cleared"
	TypeToolRequested  = "tool_requested"
	TypeToolExecuted   = "tool_executed"
)

// Actor identifies who an event happened on behalf of.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// Event is a single immutable audit record. InputPreview and OutputPreview
// are sanitized and truncated before the event enters the pipeline.
type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Category      Category  `json:"category"`
	Type          string    `json:"type"`
	Status        Status    `json:"status"`
	Actor         Actor     `json:"actor"`
	Resource      string    `json:"resource,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	InputPreview  string    `json:"input_preview,omitempty"`
	OutputPreview string    `json:"output_preview,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}
