package platform

import (
	"database/sql"

	"github.com/spf13/afero"

	"github.com/txn2/sfscan/pkg/audit"
	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/login"
)

// Options configures the platform.
type Options struct {
	// Config is the server configuration.
	Config *Config

	// Fs is the filesystem for workspace roots (default: the OS filesystem).
	Fs afero.Fs

	// Runner executes CLI commands (default: an executor.ExecRunner).
	Runner executor.Runner

	// TokenSource obtains Salesforce tokens (default: an oauth.SalesforceClient).
	TokenSource login.TokenSource

	// DB is used by the postgres audit backend (default: opened from config).
	DB *sql.DB

	// AuditLogger overrides the configured audit backend.
	AuditLogger audit.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithFs sets the workspace filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *Options) {
		o.Fs = fs
	}
}

// WithRunner sets the command runner.
func WithRunner(r executor.Runner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithTokenSource sets the Salesforce token source.
func WithTokenSource(ts login.TokenSource) Option {
	return func(o *Options) {
		o.TokenSource = ts
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = l
	}
}
