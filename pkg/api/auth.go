package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/txn2/sfscan/pkg/auth"
)

// authRequest starts an interactive login.
type authRequest struct {
	Username string `json:"username" validate:"omitempty,max=255"`
	LoginURL string `json:"loginUrl" validate:"omitempty,url"`
}

// authResponse carries the URL the browser must visit.
type authResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	AuthURL   string `json:"authUrl"`
	Message   string `json:"message"`
}

// sessionResponse reports a newly authenticated session.
type sessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// checkAuthResponse reports login progress.
type checkAuthResponse struct {
	Success       bool   `json:"success"`
	Authenticated bool   `json:"authenticated"`
	Stage         string `json:"stage"`
	Username      string `json:"username,omitempty"`
	Message       string `json:"message,omitempty"`
}

// sessionRequest names an existing session.
type sessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// startAuth handles POST /api/auth.
//
// @Summary      Start interactive login
// @Description  Creates a session and returns the Salesforce authorization URL.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        body  body      authRequest  true  "Login parameters"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  errorResponse
// @Router       /auth [post]
func (h *Handler) startAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decode(w, r, &req); err != nil {
		writeFailure(w, r, err, "Invalid request")
		return
	}

	pending, err := h.deps.Acquirer.StartInteractive(r.Context(), req.Username, req.LoginURL)
	if err != nil {
		writeFailure(w, r, err, "Authentication failed")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Success:   true,
		SessionID: pending.SessionID,
		AuthURL:   pending.AuthURL,
		Message:   "Open authUrl to authorize access",
	})
}

// oauthCallback handles GET /oauth/callback.
//
// @Summary      OAuth callback
// @Description  Completes an interactive login and redirects to the UI, or answers with JSON when no redirect is configured.
// @Tags         Auth
// @Produce      json
// @Param        code   query  string  false  "Authorization code"
// @Param        state  query  string  true   "Login state"
// @Param        error  query  string  false  "Authorization error"
// @Success      200  {object}  sessionResponse
// @Success      302
// @Failure      400  {object}  errorResponse
// @Failure      401  {object}  errorResponse
// @Router       /oauth/callback [get]
func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "Missing state")
		return
	}

	var (
		id  string
		err error
	)
	if reason := q.Get("error"); reason != "" {
		if desc := q.Get("error_description"); desc != "" {
			reason += ": " + desc
		}
		id, err = h.deps.Acquirer.FailInteractive(r.Context(), state, reason)
		if err == nil {
			err = errors.New(reason)
		}
	} else if code := q.Get("code"); code != "" {
		id, err = h.deps.Acquirer.CompleteInteractive(r.Context(), state, code)
	} else {
		writeError(w, http.StatusBadRequest, "Missing code")
		return
	}

	if h.deps.PostLoginRedirect != "" {
		http.Redirect(w, r, h.redirectTarget(id, err), http.StatusFound)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "Authentication failed", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		SessionID: id,
		Message:   "Successfully authenticated with Salesforce",
	})
}

func (h *Handler) redirectTarget(id string, err error) string {
	u, perr := url.Parse(h.deps.PostLoginRedirect)
	if perr != nil {
		return h.deps.PostLoginRedirect
	}
	q := u.Query()
	if id != "" {
		q.Set("sessionId", id)
	}
	if err != nil {
		q.Set("error", "Authentication failed")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// checkAuth handles GET /api/check-auth/{sessionId}.
//
// @Summary      Check login progress
// @Description  Reports whether the session has completed login. Never changes the session.
// @Tags         Auth
// @Produce      json
// @Param        sessionId  path  string  true  "Session ID"
// @Success      200  {object}  checkAuthResponse
// @Failure      400  {object}  errorResponse
// @Router       /check-auth/{sessionId} [get]
func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Acquirer.CheckAuth(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeFailure(w, r, err, "Invalid session")
		return
	}

	resp := checkAuthResponse{
		Success:       st.Authenticated,
		Authenticated: st.Authenticated,
		Stage:         string(st.Stage),
		Username:      st.Username,
	}
	switch {
	case st.Reason != "":
		resp.Message = st.Reason
	case !st.Authenticated:
		resp.Message = "Waiting for authorization"
	}
	writeJSON(w, http.StatusOK, resp)
}

// automationOnly hides next unless automation login is enabled.
func (h *Handler) automationOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.deps.Acquirer.AutomationEnabled() {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// manualLogin handles POST /api/manual-login.
//
// @Summary      Automation login
// @Description  Logs in with the configured automation credentials. Available only when automation is enabled.
// @Tags         Auth
// @Produce      json
// @Success      200  {object}  sessionResponse
// @Failure      401  {object}  errorResponse
// @Failure      404
// @Security     ApiKeyAuth
// @Router       /manual-login [post]
func (h *Handler) manualLogin(w http.ResponseWriter, r *http.Request) {
	id, err := h.deps.Acquirer.Direct(r.Context())
	if err != nil {
		writeFailure(w, r, err, "Authentication failed")
		return
	}

	caller := "unknown"
	if c := auth.GetCaller(r.Context()); c != nil {
		caller = c.Name
	}
	slog.Info("automation login", logKeySessionID, id, "caller", caller)

	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		SessionID: id,
		Message:   "Successfully authenticated with Salesforce",
	})
}

// logout handles POST /api/logout.
//
// @Summary      Log out
// @Description  Revokes the CLI alias and removes the session and its files.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        body  body      sessionRequest  true  "Session"
// @Success      200   {object}  messageResponse
// @Failure      400   {object}  errorResponse
// @Router       /logout [post]
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		writeFailure(w, r, err, "Invalid request")
		return
	}
	if err := h.deps.Acquirer.Logout(r.Context(), req.SessionID); err != nil {
		writeFailure(w, r, err, "Logout failed")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out"})
}
