package platform

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/spf13/afero"

	"github.com/txn2/sfscan/pkg/audit"
	auditpostgres "github.com/txn2/sfscan/pkg/audit/postgres"
	"github.com/txn2/sfscan/pkg/auth"
	"github.com/txn2/sfscan/pkg/database/migrate"
	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/expiry"
	"github.com/txn2/sfscan/pkg/health"
	"github.com/txn2/sfscan/pkg/login"
	"github.com/txn2/sfscan/pkg/metrics"
	"github.com/txn2/sfscan/pkg/oauth"
	"github.com/txn2/sfscan/pkg/pipeline"
	"github.com/txn2/sfscan/pkg/report"
	"github.com/txn2/sfscan/pkg/session"
	"github.com/txn2/sfscan/pkg/sfcli"
	"github.com/txn2/sfscan/pkg/workspace"
)

const auditCleanupInterval = 24 * time.Hour

// Platform owns every long-lived component of the server.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle

	// Core components
	layout *workspace.Layout
	store  *session.MemoryStore
	states *oauth.MemoryStateStore
	runner executor.Runner
	cli    *sfcli.Builder
	tokens login.TokenSource

	// Pipeline
	acquirer     *login.Acquirer
	orchestrator *pipeline.Orchestrator
	gateway      *report.Gateway
	sweeper      *expiry.Sweeper

	// Auth
	apiKeys *auth.APIKeyAuthenticator

	// Observability
	auditLogger audit.Logger
	metrics     *metrics.Metrics
	health      *health.Checker

	db *sql.DB
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		metrics:   metrics.New(),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	p.initCore(opts)
	if err := p.initTokens(opts); err != nil {
		return err
	}
	if err := p.initAudit(opts); err != nil {
		return err
	}
	key, err := p.loadPrivateKey()
	if err != nil {
		return err
	}
	p.initPipeline(key)
	p.finalizeSetup()
	return nil
}

func (p *Platform) initCore(opts *Options) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	p.layout = workspace.New(fs, p.config.Workspace.ProjectsRoot, p.config.Workspace.ReportsRoot)
	p.store = session.NewMemoryStore()
	p.states = oauth.NewMemoryStateStore()
	p.cli = sfcli.New(p.config.CLI.Binary)

	p.runner = opts.Runner
	if p.runner == nil {
		p.runner = executor.NewExecRunner(executor.Config{
			Timeout:       p.config.CLI.CommandTimeout,
			MaxConcurrent: p.config.CLI.MaxConcurrent,
			QueueTimeout:  p.config.CLI.QueueTimeout,
		})
	}

	p.metrics.RegisterActiveSessions(func() float64 { return float64(p.store.Len()) })
}

func (p *Platform) initTokens(opts *Options) error {
	if opts.TokenSource != nil {
		p.tokens = opts.TokenSource
		return nil
	}
	sf := p.config.Salesforce
	client, err := oauth.NewSalesforceClient(oauth.ClientConfig{
		ClientID:     sf.ClientID,
		ClientSecret: sf.ClientSecret,
		RedirectURL:  sf.RedirectURL,
		Scopes:       sf.Scopes,
		AllowedHosts: sf.AllowedLoginHosts,
	})
	if err != nil {
		return fmt.Errorf("creating salesforce client: %w", err)
	}
	p.tokens = client
	return nil
}

func (p *Platform) initAudit(opts *Options) error {
	if opts.AuditLogger != nil {
		p.auditLogger = opts.AuditLogger
		return nil
	}
	cfg := p.config.Audit
	if !cfg.Enabled {
		return nil
	}

	if cfg.Backend != "postgres" {
		p.auditLogger = audit.NewMemoryLogger(cfg.Capacity)
		return nil
	}

	db := opts.DB
	if db == nil {
		var err error
		if db, err = sql.Open("postgres", p.config.Database.DSN); err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		p.db = db
	}
	if err := migrate.Run(db); err != nil {
		return fmt.Errorf("migrating audit schema: %w", err)
	}

	store := auditpostgres.New(db, auditpostgres.Config{RetentionDays: cfg.RetentionDays})
	store.StartCleanupRoutine(auditCleanupInterval)
	p.auditLogger = store
	return nil
}

func (p *Platform) loadPrivateKey() (*rsa.PrivateKey, error) {
	a := p.config.Automation
	if !a.Enabled || a.Grant != login.GrantJWT {
		return nil, nil
	}
	// #nosec G304 -- path is from admin-controlled config
	data, err := os.ReadFile(a.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading automation private key: %w", err)
	}
	key, err := oauth.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing automation private key: %w", err)
	}
	return key, nil
}

func (p *Platform) initPipeline(key *rsa.PrivateKey) {
	a := p.config.Automation

	p.acquirer = login.New(login.Config{
		DefaultLoginURL: p.config.Salesforce.LoginURL,
		Automation: login.AutomationConfig{
			Enabled:    a.Enabled,
			Grant:      a.Grant,
			LoginURL:   a.LoginURL,
			Username:   a.Username,
			Password:   a.Password,
			PrivateKey: key,
		},
	}, login.Deps{
		Store:   p.store,
		Layout:  p.layout,
		Runner:  p.runner,
		CLI:     p.cli,
		Tokens:  p.tokens,
		States:  p.states,
		Audit:   p.auditLogger,
		Metrics: p.metrics,
	})

	p.orchestrator = pipeline.New(pipeline.Config{
		ProjectName:     p.config.Pipeline.ProjectName,
		ContentDir:      p.config.Pipeline.ContentDir,
		MinContentBytes: p.config.Pipeline.MinContentBytes,
	}, pipeline.Deps{
		Store:   p.store,
		Layout:  p.layout,
		Runner:  p.runner,
		CLI:     p.cli,
		Audit:   p.auditLogger,
		Metrics: p.metrics,
	})

	p.gateway = report.NewGateway(p.store, p.layout.Fs())

	p.sweeper = expiry.New(expiry.Config{
		TTL:      p.config.Sessions.TTL,
		Interval: p.config.Sessions.SweepInterval,
	}, expiry.Deps{
		Store:   p.store,
		Layout:  p.layout,
		Runner:  p.runner,
		CLI:     p.cli,
		States:  p.states,
		Audit:   p.auditLogger,
		Metrics: p.metrics,
	})

	var keys []auth.APIKey
	if a.Enabled {
		keys = append(keys, auth.APIKey{Name: "automation", Hash: a.APIKeyHash})
	}
	p.apiKeys = auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: keys})
}

// finalizeSetup registers lifecycle hooks. Stop runs them in reverse, so
// readiness drops first and the audit logger closes last.
func (p *Platform) finalizeSetup() {
	if p.auditLogger != nil {
		p.lifecycle.RegisterCloser("audit", p.auditLogger)
	}
	p.lifecycle.OnStart("workspace", func(context.Context) error {
		return p.layout.Init()
	})
	p.lifecycle.RegisterComponent("sweeper", p.sweeper)

	p.health.AddProbe("cli", health.BinaryProbe(p.cli.Binary()))
	p.health.AddProbe("workspace", health.DirProbe(p.layout.Fs(), p.layout.ProjectsRoot(), p.layout.ReportsRoot()))

	p.lifecycle.OnStart("health", func(context.Context) error {
		p.health.SetReady()
		return nil
	})
	p.lifecycle.OnStop("health", func(context.Context) error {
		p.health.SetDraining()
		return nil
	})
}

// Start starts all components.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	slog.Info("platform started",
		"projects_root", p.layout.ProjectsRoot(),
		"reports_root", p.layout.ReportsRoot(),
		"automation", p.config.Automation.Enabled,
		"audit", p.config.Audit.Enabled)
	return nil
}

// Stop stops all components.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Close closes the audit logger and any database the platform opened.
func (p *Platform) Close() error {
	if p.auditLogger != nil {
		if err := p.auditLogger.Close(); err != nil {
			slog.Warn("closing audit logger", "error", err)
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
		p.db = nil
	}
	return nil
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config { return p.config }

// Lifecycle returns the lifecycle manager.
func (p *Platform) Lifecycle() *Lifecycle { return p.lifecycle }

// Layout returns the workspace layout.
func (p *Platform) Layout() *workspace.Layout { return p.layout }

// Store returns the session store.
func (p *Platform) Store() session.Store { return p.store }

// Acquirer returns the credential acquirer.
func (p *Platform) Acquirer() *login.Acquirer { return p.acquirer }

// Orchestrator returns the pipeline orchestrator.
func (p *Platform) Orchestrator() *pipeline.Orchestrator { return p.orchestrator }

// Gateway returns the report gateway.
func (p *Platform) Gateway() *report.Gateway { return p.gateway }

// Sweeper returns the expiry sweeper.
func (p *Platform) Sweeper() *expiry.Sweeper { return p.sweeper }

// APIKeys returns the automation API key authenticator.
func (p *Platform) APIKeys() *auth.APIKeyAuthenticator { return p.apiKeys }

// AuditLogger returns the audit logger, or nil when auditing is disabled.
func (p *Platform) AuditLogger() audit.Logger { return p.auditLogger }

// Metrics returns the Prometheus instruments.
func (p *Platform) Metrics() *metrics.Metrics { return p.metrics }

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker { return p.health }
