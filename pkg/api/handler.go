// Package api serves the JSON endpoints that drive a session from login to
// report download.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/yosida95/uritemplate/v3"

	"github.com/txn2/sfscan/pkg/audit"
	"github.com/txn2/sfscan/pkg/auth"
	"github.com/txn2/sfscan/pkg/login"
	"github.com/txn2/sfscan/pkg/manifest"
	"github.com/txn2/sfscan/pkg/oauth"
	"github.com/txn2/sfscan/pkg/pipeline"
	"github.com/txn2/sfscan/pkg/report"
	"github.com/txn2/sfscan/pkg/session"
)

// ReportURLTemplate locates a session's report.
const ReportURLTemplate = "/api/report/{sessionId}"

const (
	maxRequestBody  = 4 << 20
	logKeySessionID = "session_id"
)

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	errInvalidRequest = errors.New("invalid request")
)

// Deps are the components the handlers call.
type Deps struct {
	Acquirer     *login.Acquirer
	Orchestrator *pipeline.Orchestrator
	Gateway      *report.Gateway
	Store        session.Store

	// Audit serves /api/events. Nil disables the endpoint.
	Audit audit.Logger

	// APIKeys gates /api/manual-login.
	APIKeys auth.Authenticator

	// PostLoginRedirect receives the browser after the OAuth callback. Empty
	// answers the callback with JSON.
	PostLoginRedirect string
}

// Handler provides the pipeline REST API.
type Handler struct {
	mux       *http.ServeMux
	deps      Deps
	reportURL *uritemplate.Template
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		deps:      deps,
		reportURL: uritemplate.MustNew(ReportURLTemplate),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all API routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/auth", h.startAuth)
	h.mux.HandleFunc("GET /oauth/callback", h.oauthCallback)
	h.mux.HandleFunc("GET /api/check-auth/{sessionId}", h.checkAuth)
	h.mux.Handle("POST /api/manual-login", h.automationOnly(
		auth.Middleware(h.deps.APIKeys, denyUnauthorized)(http.HandlerFunc(h.manualLogin))))
	h.mux.HandleFunc("POST /api/logout", h.logout)

	h.mux.HandleFunc("POST /api/retrieve", h.retrieve)
	h.mux.HandleFunc("POST /api/analyze", h.analyze)
	h.mux.HandleFunc("GET /api/status/{sessionId}", h.status)
	h.mux.HandleFunc("GET /api/report/{sessionId}", h.serveReport)
	h.mux.HandleFunc("GET /api/events/{sessionId}", h.listEvents)
}

// ReportURL returns the report location for id.
func (h *Handler) ReportURL(id string) string {
	u, err := h.reportURL.Expand(uritemplate.Values{"sessionId": uritemplate.String(id)})
	if err != nil {
		return ""
	}
	return u
}

// messageResponse is the minimal success or failure body.
type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// errorResponse is returned for every failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// at its zero value before validation.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON failure with a plain message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

// writeFailure maps err onto a status code and failure body. fallback is
// the message for errors without a more specific one.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, body := classify(err, fallback)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error, fallback string) (int, errorResponse) {
	body := errorResponse{Message: fallback, Error: err.Error()}

	var se *pipeline.StageError
	switch {
	case errors.Is(err, errInvalidRequest):
		body.Message = "Invalid request"
		return http.StatusBadRequest, body
	case errors.Is(err, login.ErrMissingToken):
		body.Message = "Access token or instance URL missing"
		return http.StatusBadRequest, body
	case errors.Is(err, login.ErrAutomationDisabled):
		body.Message = "Not found"
		return http.StatusNotFound, body
	case errors.Is(err, login.ErrAuthFailed):
		body.Message = "Authentication failed"
		return http.StatusUnauthorized, body
	case errors.Is(err, session.ErrNotFound):
		body.Message = "Invalid session"
		return http.StatusBadRequest, body
	case errors.As(err, &se):
		body.Message = se.Message
		body.Stderr = se.Stderr
		return stageStatus(se), body
	case errors.Is(err, session.ErrStageOrder), errors.Is(err, session.ErrTerminal):
		return http.StatusBadRequest, body
	default:
		return classifyInput(err, body)
	}
}

func stageStatus(se *pipeline.StageError) int {
	switch {
	case errors.Is(se, pipeline.ErrCanceled):
		return http.StatusServiceUnavailable
	case errors.Is(se, session.ErrStageOrder), errors.Is(se, session.ErrTerminal):
		return http.StatusBadRequest
	case errors.Is(se, pipeline.ErrStageTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func classifyInput(err error, body errorResponse) (int, errorResponse) {
	switch {
	case errors.Is(err, manifest.ErrInvalid):
		body.Message = "Invalid package.xml"
		return http.StatusBadRequest, body
	case errors.Is(err, oauth.ErrInvalidLoginURL):
		body.Message = "Invalid login URL"
		return http.StatusBadRequest, body
	default:
		return http.StatusInternalServerError, body
	}
}

// stageContext detaches a pipeline stage from the request so a client
// disconnect does not kill a running CLI command. The executor's per-call
// timeout still bounds it.
func stageContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func denyUnauthorized(w http.ResponseWriter, _ *http.Request, _ error) {
	writeError(w, http.StatusUnauthorized, "Unauthorized")
}
