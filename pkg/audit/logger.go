// Package audit records pipeline events: logins, stage outcomes, logouts and
// expiry. Events describe what happened to a session; they are never used to
// rebuild session state.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	SessionID    string         `json:"session_id"`
	Type         EventType      `json:"type"`
	Method       string         `json:"method,omitempty"`
	Strategy     string         `json:"strategy,omitempty"`
	Success      bool           `json:"success"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID string
	Type      EventType
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether e satisfies the filter's predicates. Limit and
// Offset are not considered.
func (f QueryFilter) Matches(e Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// Config configures audit logging.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`

	// Capacity bounds the memory backend.
	Capacity int `yaml:"capacity"`

	// RetentionDays bounds the postgres backend.
	RetentionDays int `yaml:"retention_days"`
}
