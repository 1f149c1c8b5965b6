package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/txn2/sfscan/pkg/report"
	"github.com/txn2/sfscan/pkg/session"
)

// retrieveRequest selects the session and, optionally, the manifest.
type retrieveRequest struct {
	SessionID  string `json:"sessionId" validate:"required"`
	PackageXML string `json:"packageXml"`
}

// stageResponse reports a completed stage.
type stageResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	ReportURL string `json:"reportUrl,omitempty"`
	Output    string `json:"output,omitempty"`
}

// analyzeRequest names a retrieved session, or supplies a token to run the
// whole pipeline in one call.
type analyzeRequest struct {
	SessionID   string `json:"sessionId"`
	AccessToken string `json:"accessToken"`
	InstanceURL string `json:"instanceUrl" validate:"omitempty,url"`
}

// sessionView is the status of one session.
type sessionView struct {
	SessionID     string    `json:"sessionId"`
	Username      string    `json:"username,omitempty"`
	Stage         string    `json:"stage"`
	Authenticated bool      `json:"authenticated"`
	Retrieved     bool      `json:"retrieved"`
	Analyzed      bool      `json:"analyzed"`
	ReportURL     *string   `json:"reportUrl"`
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error,omitempty"`
}

// statusResponse wraps a sessionView.
type statusResponse struct {
	Success bool        `json:"success"`
	Session sessionView `json:"session"`
}

// retrieve handles POST /api/retrieve.
//
// @Summary      Retrieve metadata
// @Description  Retrieves org metadata into the session's project. packageXml replaces the generated manifest when supplied.
// @Tags         Pipeline
// @Accept       json
// @Produce      json
// @Param        body  body      retrieveRequest  true  "Retrieval parameters"
// @Success      200   {object}  stageResponse
// @Failure      400   {object}  errorResponse
// @Failure      500   {object}  errorResponse
// @Failure      504   {object}  errorResponse
// @Router       /retrieve [post]
func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decode(w, r, &req); err != nil {
		writeFailure(w, r, err, "Invalid request")
		return
	}

	out, err := h.deps.Orchestrator.Retrieve(stageContext(r), req.SessionID, req.PackageXML)
	if err != nil {
		writeFailure(w, r, err, "Metadata retrieval failed")
		return
	}

	writeJSON(w, http.StatusOK, stageResponse{
		Success:   true,
		Message:   "Metadata retrieved successfully",
		SessionID: out.SessionID,
		Strategy:  out.Strategy,
		Output:    out.Output,
	})
}

// analyze handles POST /api/analyze.
//
// @Summary      Run Code Analyzer
// @Description  Analyzes a retrieved session, or authenticates with the supplied token and runs retrieval and analysis in one call.
// @Tags         Pipeline
// @Accept       json
// @Produce      json
// @Param        body  body      analyzeRequest  true  "Session or token"
// @Success      200   {object}  stageResponse
// @Failure      400   {object}  errorResponse
// @Failure      500   {object}  errorResponse
// @Failure      504   {object}  errorResponse
// @Router       /analyze [post]
func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decode(w, r, &req); err != nil {
		writeFailure(w, r, err, "Invalid request")
		return
	}

	ctx := stageContext(r)
	run := h.deps.Orchestrator.Analyze
	id := req.SessionID
	if id == "" {
		var err error
		if id, err = h.deps.Acquirer.FromAccessToken(ctx, req.AccessToken, req.InstanceURL); err != nil {
			writeFailure(w, r, err, "Authentication failed")
			return
		}
		slog.Info("token session created for analysis", logKeySessionID, id)
		run = h.deps.Orchestrator.Advance
	}

	out, err := run(ctx, id)
	if err != nil {
		writeFailure(w, r, err, "Code analysis failed")
		return
	}

	writeJSON(w, http.StatusOK, stageResponse{
		Success:   true,
		Message:   "Code analysis completed successfully",
		SessionID: id,
		ReportURL: h.ReportURL(id),
		Output:    out.Output,
	})
}

// status handles GET /api/status/{sessionId}.
//
// @Summary      Session status
// @Description  Returns the pipeline position of a session.
// @Tags         Pipeline
// @Produce      json
// @Param        sessionId  path  string  true  "Session ID"
// @Success      200  {object}  statusResponse
// @Failure      404  {object}  errorResponse
// @Router       /status/{sessionId} [get]
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Store.Get(r.Context(), r.PathValue("sessionId"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeFailure(w, r, err, "Status unavailable")
		return
	}

	view := sessionView{
		SessionID:     sess.ID,
		Username:      sess.Username,
		Stage:         string(sess.Stage),
		Authenticated: sess.Reached(session.StageAuthenticated),
		Retrieved:     sess.Reached(session.StageRetrieved),
		Analyzed:      sess.Reached(session.StageAnalyzed),
		Timestamp:     sess.CreatedAt,
		Error:         sess.FailureReason,
	}
	if view.Analyzed {
		u := h.ReportURL(sess.ID)
		view.ReportURL = &u
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Session: view})
}

// serveReport handles GET /api/report/{sessionId}.
//
// @Summary      Download report
// @Description  Streams the Code Analyzer HTML report of an analyzed session.
// @Tags         Pipeline
// @Produce      html
// @Param        sessionId  path  string  true  "Session ID"
// @Success      200
// @Failure      404  {object}  errorResponse
// @Router       /report/{sessionId} [get]
func (h *Handler) serveReport(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.deps.Gateway.Fetch(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeReportError(w, r, err)
		return
	}

	f, err := artifact.Open()
	if err != nil {
		writeReportError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, filepath.Base(artifact.Path), artifact.ModTime, f)
}

func writeReportError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *report.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Reason)
		return
	}
	slog.Error("serving report", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Error serving report", Error: err.Error()})
}
