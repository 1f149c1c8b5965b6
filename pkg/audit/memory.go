package audit

import (
	"context"
	"log/slog"
	"sync"
)

const defaultCapacity = 1000

// MemoryLogger keeps the most recent events in a ring buffer and mirrors
// each one to the structured log.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewMemoryLogger creates a logger holding at most capacity events.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryLogger{events: make([]Event, capacity)}
}

// Log records an audit event.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	m.events[m.next] = event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	LogEvent(event)
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}

	var out []Event
	skipped := 0
	for i := range n {
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		e := m.events[idx]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close releases nothing.
func (*MemoryLogger) Close() error { return nil }

// LogEvent writes an event to the default structured logger.
func LogEvent(e Event) {
	attrs := []any{
		"event_id", e.ID,
		"type", string(e.Type),
		"session_id", e.SessionID,
		"success", e.Success,
		"duration_ms", e.DurationMS,
	}
	if e.Method != "" {
		attrs = append(attrs, "method", e.Method)
	}
	if e.Strategy != "" {
		attrs = append(attrs, "strategy", e.Strategy)
	}
	if !e.Success {
		attrs = append(attrs, "error_kind", e.ErrorKind, "error", e.ErrorMessage)
		slog.Warn("audit", attrs...)
		return
	}
	slog.Info("audit", attrs...)
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
