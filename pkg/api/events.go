package api

import (
	"net/http"
	"strconv"

	"github.com/txn2/sfscan/pkg/audit"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// eventsResponse lists a session's audit events, newest first.
type eventsResponse struct {
	Success bool          `json:"success"`
	Events  []audit.Event `json:"events"`
}

// listEvents handles GET /api/events/{sessionId}.
//
// @Summary      List session events
// @Description  Returns the audit trail of one session, newest first. Events outlive their session.
// @Tags         Audit
// @Produce      json
// @Param        sessionId  path   string   true   "Session ID"
// @Param        type       query  string   false  "Filter by event type"
// @Param        success    query  boolean  false  "Filter by success/failure"
// @Param        limit      query  integer  false  "Maximum events (default: 50)"
// @Success      200  {object}  eventsResponse
// @Failure      404  {object}  errorResponse
// @Failure      500  {object}  errorResponse
// @Router       /events/{sessionId} [get]
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit trail disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		SessionID: r.PathValue("sessionId"),
		Type:      audit.EventType(q.Get("type")),
		Limit:     parseLimit(q.Get("limit")),
	}
	if v := q.Get("success"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Success = &b
		}
	}

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err, "Failed to query events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Success: true, Events: events})
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	switch {
	case err != nil || n <= 0:
		return defaultEventLimit
	case n > maxEventLimit:
		return maxEventLimit
	default:
		return n
	}
}
