// Package expiry reclaims sessions older than their TTL together with the
// files and CLI aliases they own.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/sfscan/pkg/audit"
	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/metrics"
	"github.com/txn2/sfscan/pkg/oauth"
	"github.com/txn2/sfscan/pkg/session"
	"github.com/txn2/sfscan/pkg/sfcli"
	"github.com/txn2/sfscan/pkg/workspace"
)

const (
	// DefaultTTL is the session lifetime measured from creation.
	DefaultTTL = time.Hour

	// DefaultInterval is the time between sweeps.
	DefaultInterval = time.Hour

	logKeySessionID = "session_id"
)

// ErrStarted is returned by Start on a running sweeper.
var ErrStarted = errors.New("sweeper already started")

// Config configures a Sweeper.
type Config struct {
	TTL      time.Duration
	Interval time.Duration
}

// Deps are the collaborators of a Sweeper. Runner, CLI, States, Audit and
// Metrics are optional.
type Deps struct {
	Store   session.Store
	Layout  *workspace.Layout
	Runner  executor.Runner
	CLI     *sfcli.Builder
	States  oauth.StateStore
	Audit   audit.Logger
	Metrics *metrics.Metrics
}

// Result summarizes one sweep.
type Result struct {
	Expired int
	Busy    int
	Orphans int
	States  int
}

// Sweeper removes expired sessions periodically.
type Sweeper struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Sweeper.
func New(cfg Config, deps Deps) *Sweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{cfg: cfg, deps: deps, now: time.Now}
}

// Start runs SweepOnce every interval until Stop is called. The context only
// bounds startup; the loop has its own lifetime.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}(s.done)

	slog.Info("session sweeper started", "ttl", s.cfg.TTL, "interval", s.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish or ctx
// to expire. It is safe to call on a sweeper that was never started.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepOnce removes every expired session that is not busy, then orphaned
// directories and stale pending logins.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	var res Result
	now := s.now()

	sessions, err := s.deps.Store.List(ctx)
	if err != nil {
		slog.Warn("listing sessions", "error", err)
		return res
	}

	live := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if !sess.Expired(now, s.cfg.TTL) {
			live[sess.ID] = true
			continue
		}
		if s.expire(ctx, sess.ID, now) {
			res.Expired++
		} else {
			live[sess.ID] = true
			res.Busy++
		}
	}

	res.Orphans = s.removeOrphans(live, now.Add(-s.cfg.TTL))

	if s.deps.States != nil {
		n, err := s.deps.States.Cleanup(s.cfg.TTL)
		if err != nil {
			slog.Warn("cleaning pending logins", "error", err)
		}
		res.States = n
	}

	s.deps.Metrics.ObserveSwept("session", res.Expired)
	s.deps.Metrics.ObserveSwept("orphan", res.Orphans)
	if res.Expired+res.Orphans+res.States > 0 || res.Busy > 0 {
		slog.Info("sweep completed",
			"expired", res.Expired, "busy", res.Busy, "orphans", res.Orphans, "states", res.States)
	}
	return res
}

// expire removes one session. It returns false if the session was busy.
func (s *Sweeper) expire(ctx context.Context, id string, now time.Time) bool {
	release, ok := s.deps.Store.TryAcquire(id)
	if !ok {
		return false
	}
	defer release()

	sess, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		// Removed while we waited; nothing to do.
		return true
	}
	if !sess.Expired(now, s.cfg.TTL) {
		return false
	}

	if err := s.deps.Layout.Remove(sess.WorkDir, sess.ArtifactPath, s.deps.Layout.ReportPath(id)); err != nil {
		slog.Warn("removing expired session files", logKeySessionID, id, "error", err)
	}
	if !sess.Credential.IsZero() && s.deps.Runner != nil && s.deps.CLI != nil {
		cmd := s.deps.CLI.Logout(s.deps.Layout.ProjectsRoot(), id)
		_, err := s.deps.Runner.Run(ctx, cmd)
		s.deps.Metrics.ObserveCommand("org logout", err == nil)
		if err != nil {
			slog.Warn("cli logout of expired session failed", logKeySessionID, id, "error", err)
		}
	}
	if err := s.deps.Store.Delete(ctx, id); err != nil {
		slog.Warn("deleting expired session", logKeySessionID, id, "error", err)
	}

	if s.deps.Audit != nil {
		e := audit.NewEvent(audit.EventTypeExpire, id).
			WithDetails(map[string]any{"stage": string(sess.Stage), "age_seconds": int64(now.Sub(sess.CreatedAt).Seconds())}).
			WithResult(true, "", 0)
		if err := s.deps.Audit.Log(ctx, *e); err != nil {
			slog.Warn("audit log failed", "error", err)
		}
	}
	slog.Info("session expired", logKeySessionID, id, "stage", sess.Stage)
	return true
}

func (s *Sweeper) removeOrphans(live map[string]bool, cutoff time.Time) int {
	orphans, err := s.deps.Layout.Orphans(live, cutoff)
	if err != nil {
		slog.Warn("listing orphaned files", "error", err)
		return 0
	}
	removed := 0
	for _, p := range orphans {
		if err := s.deps.Layout.Remove(p); err != nil {
			slog.Warn("removing orphaned path", "path", p, "error", err)
			continue
		}
		removed++
	}
	return removed
}
