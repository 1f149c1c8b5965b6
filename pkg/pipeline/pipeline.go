// Package pipeline drives a session through retrieval and analysis. Each
// stage runs under the session's exclusive lock and records its result on
// the session atomically. A failed stage moves the session to StageFailed
// and removes its files immediately.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/txn2/sfscan/pkg/audit"
	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/manifest"
	"github.com/txn2/sfscan/pkg/metrics"
	"github.com/txn2/sfscan/pkg/session"
	"github.com/txn2/sfscan/pkg/sfcli"
	"github.com/txn2/sfscan/pkg/workspace"
)

const (
	// DefaultProjectName is the CLI project generated inside each work directory.
	DefaultProjectName = "salesforce-project"

	// DefaultContentDir is where retrieved source lands, relative to the project.
	DefaultContentDir = "force-app/main/default"

	// DefaultMinContentBytes is the smallest retrieval accepted without fallback.
	DefaultMinContentBytes = 1024

	manifestFile    = "package.xml"
	logKeySessionID = "session_id"
)

// Config configures an Orchestrator.
type Config struct {
	ProjectName     string
	ContentDir      string
	MinContentBytes int64
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store   session.Store
	Layout  *workspace.Layout
	Runner  executor.Runner
	CLI     *sfcli.Builder
	Audit   audit.Logger
	Metrics *metrics.Metrics
}

// Outcome is the result of a stage call.
type Outcome struct {
	SessionID  string
	Stage      session.Stage
	Output     string
	ReportPath string

	// Strategy names the retrieval strategy that produced the content.
	Strategy string

	// Cached is true when the stage had already completed and nothing ran.
	Cached bool
}

// Orchestrator runs pipeline stages.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	runner    executor.Runner
	manifests ManifestChain
	retrieval RetrievalChain
	now       func() time.Time
}

// New creates an Orchestrator with the generated/fixed manifest chain and
// the manifest/metadata retrieval chain.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ProjectName == "" {
		cfg.ProjectName = DefaultProjectName
	}
	if cfg.ContentDir == "" {
		cfg.ContentDir = DefaultContentDir
	}
	if cfg.MinContentBytes <= 0 {
		cfg.MinContentBytes = DefaultMinContentBytes
	}

	runner := observedRunner{next: deps.Runner, metrics: deps.Metrics}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		runner: runner,
		manifests: ManifestChain{
			Primary:  GeneratedManifest{Runner: runner, CLI: deps.CLI, Fs: deps.Layout.Fs()},
			Fallback: FixedManifest{},
		},
		retrieval: RetrievalChain{
			Primary:  ManifestRetrieval{Runner: runner, CLI: deps.CLI},
			Fallback: MetadataRetrieval{Runner: runner, CLI: deps.CLI},
			Layout:   deps.Layout,
			MinBytes: cfg.MinContentBytes,
		},
		now: time.Now,
	}
}

// Retrieve pulls org metadata for id. A non-empty packageXML replaces the
// manifest chain. Calling it again after success returns the recorded
// result without running anything.
func (o *Orchestrator) Retrieve(ctx context.Context, id, packageXML string) (Outcome, error) {
	var pkg *manifest.Package
	if strings.TrimSpace(packageXML) != "" {
		p, err := manifest.Parse([]byte(packageXML))
		if err != nil {
			return Outcome{}, err
		}
		pkg = p
	}

	release, err := o.deps.Store.Acquire(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	sess, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return o.retrieveLocked(ctx, sess, pkg)
}

// Analyze runs Code Analyzer for id. Calling it again after success returns
// the recorded report without running anything.
func (o *Orchestrator) Analyze(ctx context.Context, id string) (Outcome, error) {
	release, err := o.deps.Store.Acquire(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	sess, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return o.analyzeLocked(ctx, sess)
}

// Advance drives an authenticated session through retrieval and analysis
// while holding its lock for the whole call.
func (o *Orchestrator) Advance(ctx context.Context, id string) (Outcome, error) {
	release, err := o.deps.Store.Acquire(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	sess, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := o.retrieveLocked(ctx, sess, nil); err != nil {
		return Outcome{}, err
	}
	sess, err = o.deps.Store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return o.analyzeLocked(ctx, sess)
}

func (o *Orchestrator) retrieveLocked(ctx context.Context, sess session.Session, pkg *manifest.Package) (Outcome, error) {
	stage := session.StageRetrieved
	switch {
	case sess.Stage == session.StageFailed:
		return Outcome{}, terminalError(stage, sess)
	case sess.Reached(session.StageRetrieved):
		return Outcome{SessionID: sess.ID, Stage: sess.Stage, ReportPath: sess.ArtifactPath, Cached: true}, nil
	case !sess.Reached(session.StageAuthenticated):
		return Outcome{}, orderError(stage, "Session not authenticated")
	}

	start := o.now()
	job := &Job{
		Session:      sess,
		ProjectDir:   filepath.Join(sess.WorkDir, o.cfg.ProjectName),
		ManifestPath: filepath.Join(sess.WorkDir, manifestFile),
	}
	job.ContentDir = filepath.Join(job.ProjectDir, o.cfg.ContentDir)

	if !o.deps.Layout.Exists(job.ProjectDir) {
		if _, err := o.runner.Run(ctx, o.deps.CLI.GenerateProject(sess.WorkDir, o.cfg.ProjectName)); err != nil {
			return Outcome{}, o.fail(ctx, sess, stage, start, err)
		}
	}

	source := "supplied"
	if pkg == nil {
		var err error
		pkg, source, err = o.manifests.Resolve(ctx, job)
		if err != nil {
			return Outcome{}, o.fail(ctx, sess, stage, start, err)
		}
		if source != o.manifests.Primary.Name() {
			o.deps.Metrics.ObserveFallback("manifest")
			slog.Info("using fallback manifest", logKeySessionID, sess.ID, "strategy", source)
		}
	}
	job.Manifest = pkg
	if err := manifest.WriteFile(o.deps.Layout.Fs(), job.ManifestPath, pkg); err != nil {
		return Outcome{}, o.fail(ctx, sess, stage, start, err)
	}

	out, err := o.retrieval.Run(ctx, job)
	if out.FellBack {
		o.deps.Metrics.ObserveFallback("retrieval")
		slog.Info("retrieval fell back", logKeySessionID, sess.ID, "strategy", out.Strategy)
	}
	if err != nil {
		return Outcome{}, o.fail(ctx, sess, stage, start, err)
	}

	if _, err := o.deps.Store.Update(ctx, sess.ID, func(s *session.Session) error {
		return s.MarkRetrieved(job.ProjectDir, o.now())
	}); err != nil {
		return Outcome{}, o.fail(ctx, sess, stage, start, err)
	}

	o.record(ctx, audit.NewEvent(audit.EventTypeRetrieve, sess.ID).
		WithStrategy(out.Strategy).
		WithDetails(map[string]any{"manifest": source, "content_bytes": out.ContentBytes}).
		WithResult(true, "", o.since(start)))
	o.deps.Metrics.ObserveStage("retrieve", true, o.now().Sub(start))
	slog.Info("metadata retrieved", logKeySessionID, sess.ID, "strategy", out.Strategy, "bytes", out.ContentBytes)

	return Outcome{
		SessionID: sess.ID,
		Stage:     session.StageRetrieved,
		Output:    out.Result.Stdout,
		Strategy:  out.Strategy,
	}, nil
}

func (o *Orchestrator) analyzeLocked(ctx context.Context, sess session.Session) (Outcome, error) {
	stage := session.StageAnalyzed
	switch {
	case sess.Stage == session.StageFailed:
		return Outcome{}, terminalError(stage, sess)
	case sess.Reached(session.StageAnalyzed):
		return Outcome{SessionID: sess.ID, Stage: sess.Stage, ReportPath: sess.ArtifactPath, Cached: true}, nil
	case !sess.Reached(session.StageRetrieved):
		return Outcome{}, orderError(stage, "No metadata retrieved yet")
	}

	start := o.now()
	reportPath := o.deps.Layout.ReportPath(sess.ID)
	if err := o.deps.Layout.Remove(reportPath); err != nil {
		return Outcome{}, o.fail(ctx, sess, stage, start, err)
	}

	res, err := o.runner.Run(ctx, o.deps.CLI.ScannerRun(sess.ProjectDir, o.cfg.ContentDir, reportPath))
	if err != nil {
		return Outcome{}, o.fail(ctx, sess, stage, start, err)
	}
	if !o.deps.Layout.Exists(reportPath) {
		return Outcome{}, o.fail(ctx, sess, stage, start,
			missing("report file not generated", fmt.Errorf("%w: %s", ErrArtifactMissing, reportPath)))
	}

	if _, err := o.deps.Store.Update(ctx, sess.ID, func(s *session.Session) error {
		return s.MarkAnalyzed(reportPath, o.now())
	}); err != nil {
		return Outcome{}, o.fail(ctx, sess, stage, start, err)
	}

	o.record(ctx, audit.NewEvent(audit.EventTypeAnalyze, sess.ID).WithResult(true, "", o.since(start)))
	o.deps.Metrics.ObserveStage("analyze", true, o.now().Sub(start))
	slog.Info("code analysis completed", logKeySessionID, sess.ID, "report", reportPath)

	return Outcome{
		SessionID:  sess.ID,
		Stage:      session.StageAnalyzed,
		Output:     res.Stdout,
		ReportPath: reportPath,
	}, nil
}

// fail moves sess to StageFailed, removes its files and returns the
// classified error. If ctx has ended the stage is abandoned instead.
func (o *Orchestrator) fail(ctx context.Context, sess session.Session, stage session.Stage, start time.Time, cause error) error {
	if ctx.Err() != nil {
		return o.abandon(ctx, sess, stage, start, cause)
	}
	se := classify(stage, cause)

	if _, err := o.deps.Store.Update(ctx, sess.ID, func(s *session.Session) error {
		return s.Fail(se.Kind, se.Message, o.now())
	}); err != nil {
		slog.Warn("marking session failed", logKeySessionID, sess.ID, "error", err)
	}
	if err := o.deps.Layout.Remove(sess.WorkDir, o.deps.Layout.ReportPath(sess.ID)); err != nil {
		slog.Warn("removing session files", logKeySessionID, sess.ID, "error", err)
	}

	eventType, metric := audit.EventTypeRetrieve, "retrieve"
	if stage == session.StageAnalyzed {
		eventType, metric = audit.EventTypeAnalyze, "analyze"
	}
	o.record(ctx, audit.NewEvent(eventType, sess.ID).
		WithErrorKind(string(se.Kind)).
		WithResult(false, se.Error(), o.since(start)))
	o.deps.Metrics.ObserveStage(metric, false, o.now().Sub(start))
	slog.Warn("stage failed", logKeySessionID, sess.ID, "stage", stage, "kind", se.Kind, "error", se.Err)

	return se
}

// abandon leaves sess at its current stage with its files in place so the
// stage can be run again.
func (o *Orchestrator) abandon(ctx context.Context, sess session.Session, stage session.Stage, start time.Time, cause error) error {
	se := canceled(stage, cause)

	eventType, metric := audit.EventTypeRetrieve, "retrieve"
	if stage == session.StageAnalyzed {
		eventType, metric = audit.EventTypeAnalyze, "analyze"
	}
	o.record(context.WithoutCancel(ctx), audit.NewEvent(eventType, sess.ID).
		WithErrorKind("canceled").
		WithResult(false, se.Error(), o.since(start)))
	o.deps.Metrics.ObserveStage(metric, false, o.now().Sub(start))
	slog.Info("stage canceled by caller", logKeySessionID, sess.ID, "stage", stage, "error", ctx.Err())

	return se
}

func (o *Orchestrator) record(ctx context.Context, e *audit.Event) {
	if o.deps.Audit == nil {
		return
	}
	if err := o.deps.Audit.Log(ctx, *e); err != nil {
		slog.Warn("audit log failed", "error", err)
	}
}

func (o *Orchestrator) since(start time.Time) int64 {
	return o.now().Sub(start).Milliseconds()
}

func terminalError(stage session.Stage, sess session.Session) *StageError {
	msg := "Session has failed"
	if sess.FailureReason != "" {
		msg += ": " + sess.FailureReason
	}
	return &StageError{Stage: stage, Kind: sess.FailureKind, Message: msg, Err: session.ErrTerminal}
}

// observedRunner counts every CLI invocation by subcommand.
type observedRunner struct {
	next    executor.Runner
	metrics *metrics.Metrics
}

func (r observedRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	res, err := r.next.Run(ctx, cmd)
	r.metrics.ObserveCommand(commandLabel(cmd), err == nil)
	return res, err
}

// commandLabel is the subcommand path, e.g. "project retrieve start".
func commandLabel(cmd executor.Command) string {
	var parts []string
	for _, a := range cmd.Args {
		if strings.HasPrefix(a, "-") {
			break
		}
		parts = append(parts, a)
	}
	if len(parts) == 0 {
		return cmd.Name
	}
	return strings.Join(parts, " ")
}
