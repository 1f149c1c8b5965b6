// Package login turns credentials into authenticated sessions. Each success
// allocates a work directory, registers the token with the CLI under the
// session ID as alias, and stores the session in StageAuthenticated.
package login

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/sfscan/pkg/audit"
	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/metrics"
	"github.com/txn2/sfscan/pkg/oauth"
	"github.com/txn2/sfscan/pkg/session"
	"github.com/txn2/sfscan/pkg/sfcli"
	"github.com/txn2/sfscan/pkg/workspace"
)

// Login methods, used for audit and metrics labels.
const (
	MethodInteractive = "interactive"
	MethodAccessToken = "access_token"
	MethodPassword    = "password"
	MethodJWT         = "jwt"
)

// Automation grants.
const (
	GrantPassword = "password"
	GrantJWT      = "jwt"
)

const logKeySessionID = "session_id"

var (
	// ErrAuthFailed wraps upstream rejections and CLI registration failures.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAutomationDisabled is returned by Direct unless automation is enabled.
	ErrAutomationDisabled = errors.New("automation login is disabled")

	// ErrMissingToken is returned when an access token or instance URL is absent.
	ErrMissingToken = errors.New("access token or instance url missing")
)

// TokenSource obtains tokens from Salesforce.
type TokenSource interface {
	ValidateURL(raw string) (string, error)
	AuthCodeURL(loginURL, state, challenge string) string
	Exchange(ctx context.Context, loginURL, code, verifier string) (*oauth.Token, error)
	PasswordGrant(ctx context.Context, loginURL, username, password string) (*oauth.Token, error)
	JWTBearerGrant(ctx context.Context, loginURL, username string, key *rsa.PrivateKey) (*oauth.Token, error)
}

// AutomationConfig holds the fixed credentials for non-interactive login.
// They come from configuration or the environment, never from source.
type AutomationConfig struct {
	Enabled    bool
	Grant      string
	LoginURL   string
	Username   string
	Password   string
	PrivateKey *rsa.PrivateKey
}

// Config configures an Acquirer.
type Config struct {
	DefaultLoginURL string
	Automation      AutomationConfig
}

// Deps are the collaborators of an Acquirer.
type Deps struct {
	Store   session.Store
	Layout  *workspace.Layout
	Runner  executor.Runner
	CLI     *sfcli.Builder
	Tokens  TokenSource
	States  oauth.StateStore
	Audit   audit.Logger
	Metrics *metrics.Metrics
}

// Acquirer creates authenticated sessions.
type Acquirer struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates an Acquirer.
func New(cfg Config, deps Deps) *Acquirer {
	return &Acquirer{cfg: cfg, deps: deps, now: time.Now}
}

// AutomationEnabled reports whether Direct may be used.
func (a *Acquirer) AutomationEnabled() bool {
	return a.cfg.Automation.Enabled
}

// Pending is the result of starting an interactive login.
type Pending struct {
	SessionID string
	AuthURL   string
}

// StartInteractive creates a session in StageCreated and returns the URL the
// user must visit to authorize it.
func (a *Acquirer) StartInteractive(ctx context.Context, username, loginURL string) (*Pending, error) {
	if loginURL == "" {
		loginURL = a.cfg.DefaultLoginURL
	}
	origin, err := a.deps.Tokens.ValidateURL(loginURL)
	if err != nil {
		return nil, err
	}

	sess, err := a.createSession(ctx, username, origin)
	if err != nil {
		return nil, err
	}

	pending, err := a.savePending(sess)
	if err != nil {
		a.discard(ctx, sess)
		return nil, err
	}

	slog.Info("interactive login started", logKeySessionID, sess.ID, "login_url", origin)
	return pending, nil
}

func (a *Acquirer) savePending(sess *session.Session) (*Pending, error) {
	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return nil, err
	}
	challenge, err := oauth.GenerateCodeChallenge(verifier, oauth.PKCEMethodS256)
	if err != nil {
		return nil, err
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}
	if err := a.deps.States.Save(state, &oauth.PendingLogin{
		SessionID:    sess.ID,
		LoginURL:     sess.LoginURL,
		CodeVerifier: verifier,
		CreatedAt:    a.now(),
	}); err != nil {
		return nil, fmt.Errorf("saving login state: %w", err)
	}
	return &Pending{
		SessionID: sess.ID,
		AuthURL:   a.deps.Tokens.AuthCodeURL(sess.LoginURL, state, challenge),
	}, nil
}

// CompleteInteractive exchanges the authorization code delivered to the
// callback and authenticates the waiting session. On failure the session
// moves to StageFailed and its work directory is removed.
func (a *Acquirer) CompleteInteractive(ctx context.Context, state, code string) (string, error) {
	start := a.now()
	p, err := a.deps.States.Take(state)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	release, err := a.deps.Store.Acquire(ctx, p.SessionID)
	if err != nil {
		return p.SessionID, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	defer release()

	sess, err := a.deps.Store.Get(ctx, p.SessionID)
	if err != nil {
		return p.SessionID, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	tok, err := a.deps.Tokens.Exchange(ctx, p.LoginURL, code, p.CodeVerifier)
	if err != nil {
		return sess.ID, a.failLocked(ctx, sess, MethodInteractive, start, err)
	}
	if err := a.authenticateLocked(ctx, sess, tok); err != nil {
		return sess.ID, a.failLocked(ctx, sess, MethodInteractive, start, err)
	}

	a.recordLogin(ctx, sess.ID, MethodInteractive, start, nil)
	return sess.ID, nil
}

// FailInteractive records an authorization error reported to the callback.
func (a *Acquirer) FailInteractive(ctx context.Context, state, reason string) (string, error) {
	start := a.now()
	p, err := a.deps.States.Take(state)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	release, err := a.deps.Store.Acquire(ctx, p.SessionID)
	if err != nil {
		return p.SessionID, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	defer release()

	sess, err := a.deps.Store.Get(ctx, p.SessionID)
	if err != nil {
		return p.SessionID, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return sess.ID, a.failLocked(ctx, sess, MethodInteractive, start, errors.New(reason))
}

// AuthStatus is the read-only view returned by CheckAuth.
type AuthStatus struct {
	SessionID     string
	Username      string
	Stage         session.Stage
	Authenticated bool
	Reason        string
}

// CheckAuth reports whether a session has completed login. It never
// changes the session.
func (a *Acquirer) CheckAuth(ctx context.Context, id string) (AuthStatus, error) {
	sess, err := a.deps.Store.Get(ctx, id)
	if err != nil {
		return AuthStatus{}, err
	}
	return AuthStatus{
		SessionID:     sess.ID,
		Username:      sess.Username,
		Stage:         sess.Stage,
		Authenticated: sess.Reached(session.StageAuthenticated),
		Reason:        sess.FailureReason,
	}, nil
}

// FromAccessToken creates an authenticated session from a caller-supplied
// token. No session remains if registration fails.
func (a *Acquirer) FromAccessToken(ctx context.Context, accessToken, instanceURL string) (string, error) {
	if accessToken == "" || instanceURL == "" {
		return "", ErrMissingToken
	}
	origin, err := a.deps.Tokens.ValidateURL(instanceURL)
	if err != nil {
		return "", err
	}
	tok := &oauth.Token{AccessToken: accessToken, InstanceURL: origin, IssuedAt: a.now()}
	return a.createAuthenticated(ctx, "", origin, tok, MethodAccessToken, a.now())
}

// Direct logs in with the configured automation credentials.
func (a *Acquirer) Direct(ctx context.Context) (string, error) {
	auto := a.cfg.Automation
	if !auto.Enabled {
		return "", ErrAutomationDisabled
	}
	start := a.now()

	loginURL := auto.LoginURL
	if loginURL == "" {
		loginURL = a.cfg.DefaultLoginURL
	}
	origin, err := a.deps.Tokens.ValidateURL(loginURL)
	if err != nil {
		return "", err
	}

	var (
		tok    *oauth.Token
		method string
	)
	switch auto.Grant {
	case GrantJWT:
		method = MethodJWT
		tok, err = a.deps.Tokens.JWTBearerGrant(ctx, origin, auto.Username, auto.PrivateKey)
	default:
		method = MethodPassword
		tok, err = a.deps.Tokens.PasswordGrant(ctx, origin, auto.Username, auto.Password)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAuthFailed, err)
		a.recordLogin(ctx, "", method, start, err)
		return "", err
	}
	return a.createAuthenticated(ctx, auto.Username, origin, tok, method, start)
}

// Logout revokes the CLI alias and removes the session and its files.
func (a *Acquirer) Logout(ctx context.Context, id string) error {
	release, err := a.deps.Store.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	sess, err := a.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}

	if !sess.Credential.IsZero() {
		a.revoke(ctx, sess)
	}
	if err := a.deps.Layout.Remove(sess.WorkDir, a.deps.Layout.ReportPath(id)); err != nil {
		slog.Warn("removing session files", logKeySessionID, id, "error", err)
	}
	if err := a.deps.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	a.record(ctx, audit.NewEvent(audit.EventTypeLogout, id).WithResult(true, "", 0))
	slog.Info("session logged out", logKeySessionID, id)
	return nil
}

// Revoke removes the CLI alias for sess. Failures are logged only.
func (a *Acquirer) revoke(ctx context.Context, sess session.Session) {
	_, err := a.deps.Runner.Run(ctx, a.deps.CLI.Logout(a.deps.Layout.ProjectsRoot(), sess.ID))
	a.deps.Metrics.ObserveCommand("org logout", err == nil)
	if err != nil {
		slog.Warn("cli logout failed", logKeySessionID, sess.ID, "error", err)
	}
}

func (a *Acquirer) createSession(ctx context.Context, username, loginURL string) (*session.Session, error) {
	id := uuid.NewString()
	workDir, err := a.deps.Layout.Allocate(id)
	if err != nil {
		return nil, err
	}
	sess := session.New(id, username, loginURL, workDir, a.now())
	if err := a.deps.Store.Put(ctx, sess); err != nil {
		_ = a.deps.Layout.Remove(workDir)
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return sess, nil
}

func (a *Acquirer) createAuthenticated(
	ctx context.Context, username, loginURL string, tok *oauth.Token, method string, start time.Time,
) (string, error) {
	sess, err := a.createSession(ctx, username, loginURL)
	if err != nil {
		return "", err
	}
	if err := a.authenticateLocked(ctx, *sess, tok); err != nil {
		a.discard(ctx, sess)
		err = fmt.Errorf("%w: %w", ErrAuthFailed, err)
		a.recordLogin(ctx, "", method, start, err)
		return "", err
	}
	a.recordLogin(ctx, sess.ID, method, start, nil)
	return sess.ID, nil
}

// authenticateLocked registers tok with the CLI and advances the session.
// The caller holds the session lock or is its sole owner.
func (a *Acquirer) authenticateLocked(ctx context.Context, sess session.Session, tok *oauth.Token) error {
	cmd := a.deps.CLI.LoginAccessToken(sess.WorkDir, sess.ID, tok.InstanceURL, tok.AccessToken)
	_, err := a.deps.Runner.Run(ctx, cmd)
	a.deps.Metrics.ObserveCommand("org login access-token", err == nil)
	if err != nil {
		return fmt.Errorf("registering token with cli: %w", err)
	}

	cred := session.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		InstanceURL:  tok.InstanceURL,
		IssuedAt:     tok.IssuedAt,
	}
	_, err = a.deps.Store.Update(ctx, sess.ID, func(s *session.Session) error {
		return s.Authenticate(cred, a.now())
	})
	return err
}

func (a *Acquirer) failLocked(ctx context.Context, sess session.Session, method string, start time.Time, cause error) error {
	err := cause
	if !errors.Is(err, ErrAuthFailed) {
		err = fmt.Errorf("%w: %w", ErrAuthFailed, cause)
	}
	if _, uerr := a.deps.Store.Update(ctx, sess.ID, func(s *session.Session) error {
		return s.Fail(session.FailureAuth, cause.Error(), a.now())
	}); uerr != nil {
		slog.Warn("marking session failed", logKeySessionID, sess.ID, "error", uerr)
	}
	if rerr := a.deps.Layout.Remove(sess.WorkDir); rerr != nil {
		slog.Warn("removing work directory", logKeySessionID, sess.ID, "error", rerr)
	}
	a.recordLogin(ctx, sess.ID, method, start, err)
	return err
}

// discard removes a session that never became usable.
func (a *Acquirer) discard(ctx context.Context, sess *session.Session) {
	if err := a.deps.Layout.Remove(sess.WorkDir); err != nil {
		slog.Warn("removing work directory", logKeySessionID, sess.ID, "error", err)
	}
	_ = a.deps.Store.Delete(ctx, sess.ID)
}

func (a *Acquirer) recordLogin(ctx context.Context, id, method string, start time.Time, err error) {
	a.deps.Metrics.ObserveLogin(method, err == nil)
	e := audit.NewEvent(audit.EventTypeAuth, id).WithMethod(method)
	msg := ""
	if err != nil {
		msg = err.Error()
		e.WithErrorKind(string(session.FailureAuth))
	}
	e.WithResult(err == nil, msg, a.now().Sub(start).Milliseconds())
	a.record(ctx, e)
}

func (a *Acquirer) record(ctx context.Context, e *audit.Event) {
	if a.deps.Audit == nil {
		return
	}
	if err := a.deps.Audit.Log(ctx, *e); err != nil {
		slog.Warn("audit log failed", "error", err)
	}
}
