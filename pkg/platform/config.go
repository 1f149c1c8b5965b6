// Package platform loads configuration and assembles the server's
// components under a shared lifecycle.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/sfscan/pkg/audit"
	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/expiry"
	"github.com/txn2/sfscan/pkg/login"
	"github.com/txn2/sfscan/pkg/pipeline"
)

// Config holds the complete server configuration.
type Config struct {
	APIVersion string           `yaml:"apiVersion"`
	Server     ServerConfig     `yaml:"server"`
	Salesforce SalesforceConfig `yaml:"salesforce"`
	Automation AutomationConfig `yaml:"automation"`
	CLI        CLIConfig        `yaml:"cli"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Database   DatabaseConfig   `yaml:"database"`
	Audit      audit.Config     `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// PostLoginRedirect receives ?sessionId= after the OAuth callback. When
	// empty the callback answers with JSON.
	PostLoginRedirect string `yaml:"post_login_redirect"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SalesforceConfig configures the connected app used for OAuth.
type SalesforceConfig struct {
	ClientID          string   `yaml:"client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	RedirectURL       string   `yaml:"redirect_url"`
	LoginURL          string   `yaml:"login_url"`
	AllowedLoginHosts []string `yaml:"allowed_login_hosts"`
	Scopes            []string `yaml:"scopes"`
}

// AutomationConfig enables the non-interactive login endpoint. Credentials
// belong in the environment, referenced as ${VAR}.
type AutomationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Grant          string `yaml:"grant"`
	LoginURL       string `yaml:"login_url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyFile string `yaml:"private_key_file"`

	// APIKeyHash is a bcrypt hash from `sfscan hash-key`.
	APIKeyHash string `yaml:"api_key_hash"`
}

// CLIConfig configures the sf executable.
type CLIConfig struct {
	Binary         string        `yaml:"binary"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
}

// PipelineConfig configures retrieval.
type PipelineConfig struct {
	ProjectName     string `yaml:"project_name"`
	ContentDir      string `yaml:"content_dir"`
	MinContentBytes int64  `yaml:"min_content_bytes"`
}

// SessionsConfig configures expiry.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WorkspaceConfig locates the on-disk roots.
type WorkspaceConfig struct {
	ProjectsRoot string `yaml:"projects_root"`
	ReportsRoot  string `yaml:"reports_root"`
}

// DatabaseConfig configures PostgreSQL for the audit backend.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ListenAddress returns host:port for the HTTP server.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration after ${VAR} expansion.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	if err := checkVersion(PeekVersion(data)); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromEnv builds a configuration from the environment alone.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Salesforce: SalesforceConfig{
			ClientID:     os.Getenv("SF_CLIENT_ID"),
			ClientSecret: os.Getenv("SF_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("SF_CALLBACK_URL"),
			LoginURL:     os.Getenv("SF_LOGIN_URL"),
		},
		Database: DatabaseConfig{DSN: os.Getenv("DATABASE_URL")},
	}
	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentConfigVersion
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Salesforce.LoginURL == "" {
		cfg.Salesforce.LoginURL = "https://login.salesforce.com"
	}
	if cfg.Salesforce.RedirectURL == "" {
		cfg.Salesforce.RedirectURL = fmt.Sprintf("http://localhost:%d/oauth/callback", cfg.Server.Port)
	}
	if cfg.Automation.Grant == "" {
		cfg.Automation.Grant = login.GrantPassword
	}
	if cfg.CLI.CommandTimeout == 0 {
		cfg.CLI.CommandTimeout = executor.DefaultTimeout
	}
	if cfg.CLI.MaxConcurrent == 0 {
		cfg.CLI.MaxConcurrent = executor.DefaultMaxConcurrent
	}
	if cfg.CLI.QueueTimeout == 0 {
		cfg.CLI.QueueTimeout = cfg.CLI.CommandTimeout
	}
	if cfg.Pipeline.ProjectName == "" {
		cfg.Pipeline.ProjectName = pipeline.DefaultProjectName
	}
	if cfg.Pipeline.ContentDir == "" {
		cfg.Pipeline.ContentDir = pipeline.DefaultContentDir
	}
	if cfg.Pipeline.MinContentBytes == 0 {
		cfg.Pipeline.MinContentBytes = pipeline.DefaultMinContentBytes
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = expiry.DefaultTTL
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = expiry.DefaultInterval
	}
	if cfg.Workspace.ProjectsRoot == "" {
		cfg.Workspace.ProjectsRoot = "projects"
	}
	if cfg.Workspace.ReportsRoot == "" {
		cfg.Workspace.ReportsRoot = "reports"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "memory"
	}
	if cfg.Audit.Capacity == 0 {
		cfg.Audit.Capacity = 1000
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides applies PORT, which always wins over the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Salesforce.ClientID == "" {
		errs = append(errs, "salesforce.client_id is required")
	}
	if c.CLI.CommandTimeout < 0 {
		errs = append(errs, "cli.command_timeout must be positive")
	}
	if c.CLI.QueueTimeout < 0 {
		errs = append(errs, "cli.queue_timeout must be positive")
	}
	if c.CLI.MaxConcurrent < 0 {
		errs = append(errs, "cli.max_concurrent must be positive")
	}
	if c.Sessions.TTL < 0 || c.Sessions.SweepInterval < 0 {
		errs = append(errs, "sessions.ttl and sessions.sweep_interval must be positive")
	}
	errs = append(errs, c.validateAutomation()...)

	switch c.Audit.Backend {
	case "memory":
	case "postgres":
		if c.Audit.Enabled && c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres audit backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.backend %q must be memory or postgres", c.Audit.Backend))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateAutomation() []string {
	a := c.Automation
	if !a.Enabled {
		return nil
	}

	var errs []string
	if a.Username == "" {
		errs = append(errs, "automation.username is required when automation is enabled")
	}
	switch a.Grant {
	case login.GrantPassword:
		if a.Password == "" {
			errs = append(errs, "automation.password is required for the password grant")
		}
	case login.GrantJWT:
		if a.PrivateKeyFile == "" {
			errs = append(errs, "automation.private_key_file is required for the jwt grant")
		}
	default:
		errs = append(errs, fmt.Sprintf("automation.grant %q must be password or jwt", a.Grant))
	}
	if !strings.HasPrefix(a.APIKeyHash, "$2") {
		errs = append(errs, "automation.api_key_hash must be a bcrypt hash")
	}
	return errs
}
