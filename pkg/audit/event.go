package audit

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventTypeAuth is a login attempt by any method.
	EventTypeAuth EventType = "auth"

	// EventTypeRetrieve is a metadata retrieval stage.
	EventTypeRetrieve EventType = "retrieve"

	// EventTypeAnalyze is a code analysis stage.
	EventTypeAnalyze EventType = "analyze"

	// EventTypeLogout is an explicit logout.
	EventTypeLogout EventType = "logout"

	// EventTypeExpire is a session removed by the sweeper.
	EventTypeExpire EventType = "expire"
)

// NewEvent creates a new audit event.
func NewEvent(eventType EventType, sessionID string) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
	}
}

// WithMethod records how a login was performed.
func (e *Event) WithMethod(method string) *Event {
	e.Method = method
	return e
}

// WithStrategy records which strategy completed a stage.
func (e *Event) WithStrategy(strategy string) *Event {
	e.Strategy = strategy
	return e
}

// WithDetails attaches details with sensitive keys redacted.
func (e *Event) WithDetails(details map[string]any) *Event {
	e.Details = SanitizeDetails(details)
	return e
}

// WithResult adds result information to the event.
func (e *Event) WithResult(success bool, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// WithErrorKind classifies a failure.
func (e *Event) WithErrorKind(kind string) *Event {
	e.ErrorKind = kind
	return e
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"credentials":   true,
	"private_key":   true,
}

// SanitizeDetails removes sensitive values from a details map.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
