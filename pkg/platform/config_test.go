package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBcryptHash = "$2a$10$abcdefghijklmnopqrstuuJ3x9Hq0F8kz1zW5oQjQ2y8m0n7c5e6a"

func validConfig() *Config {
	cfg := &Config{Salesforce: SalesforceConfig{ClientID: "client"}}
	applyDefaults(cfg)
	return cfg
}

func TestParseConfig_Defaults(t *testing.T) {
	t.Setenv("PORT", "")

	cfg, err := ParseConfig([]byte("salesforce:\n  client_id: abc\n"))
	require.NoError(t, err)

	assert.Equal(t, CurrentConfigVersion, cfg.APIVersion)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, ":3000", cfg.ListenAddress())
	assert.Equal(t, "http://localhost:3000/oauth/callback", cfg.Salesforce.RedirectURL)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "password", cfg.Automation.Grant)
	assert.Equal(t, 10*time.Minute, cfg.CLI.CommandTimeout)
	assert.Equal(t, 10*time.Minute, cfg.CLI.QueueTimeout)
	assert.Equal(t, int64(4), cfg.CLI.MaxConcurrent)
	assert.Equal(t, "salesforce-project", cfg.Pipeline.ProjectName)
	assert.Equal(t, "force-app/main/default", cfg.Pipeline.ContentDir)
	assert.Equal(t, int64(1024), cfg.Pipeline.MinContentBytes)
	assert.Equal(t, time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, time.Hour, cfg.Sessions.SweepInterval)
	assert.Equal(t, "projects", cfg.Workspace.ProjectsRoot)
	assert.Equal(t, "reports", cfg.Workspace.ReportsRoot)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, 1000, cfg.Audit.Capacity)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.NoError(t, cfg.Validate())
}

func TestParseConfig_Values(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TEST_SF_SECRET", "s3cret")

	data := `
apiVersion: v1
server:
  address: 127.0.0.1
  port: 8080
  post_login_redirect: /index.html
salesforce:
  client_id: abc
  client_secret: ${TEST_SF_SECRET}
  allowed_login_hosts: [my.salesforce.com]
cli:
  binary: /usr/local/bin/sf
  command_timeout: 2m
  max_concurrent: 2
sessions:
  ttl: 30m
  sweep_interval: 5m
logging:
  level: debug
  format: text
`
	cfg, err := ParseConfig([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddress())
	assert.Equal(t, "/index.html", cfg.Server.PostLoginRedirect)
	assert.Equal(t, "s3cret", cfg.Salesforce.ClientSecret)
	assert.Equal(t, []string{"my.salesforce.com"}, cfg.Salesforce.AllowedLoginHosts)
	assert.Equal(t, "http://localhost:8080/oauth/callback", cfg.Salesforce.RedirectURL)
	assert.Equal(t, "/usr/local/bin/sf", cfg.CLI.Binary)
	assert.Equal(t, 2*time.Minute, cfg.CLI.CommandTimeout)
	assert.Equal(t, 2*time.Minute, cfg.CLI.QueueTimeout)
	assert.Equal(t, int64(2), cfg.CLI.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParseConfig_PortOverride(t *testing.T) {
	t.Setenv("PORT", "4100")

	cfg, err := ParseConfig([]byte("server:\n  port: 8080\n"))
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)

	t.Setenv("PORT", "not-a-port")
	_, err = ParseConfig([]byte("server:\n  port: 8080\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PORT")
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig([]byte("apiVersion: v99\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config apiVersion")

	_, err = ParseConfig([]byte("server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORT", "")

	path := filepath.Join(t.TempDir(), "sfscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("salesforce:\n  client_id: from-file\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Salesforce.ClientID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "5000")
	t.Setenv("SF_CLIENT_ID", "env-client")
	t.Setenv("SF_CLIENT_SECRET", "env-secret")
	t.Setenv("SF_CALLBACK_URL", "https://app.example.com/oauth/callback")
	t.Setenv("SF_LOGIN_URL", "https://test.salesforce.com")
	t.Setenv("DATABASE_URL", "postgres://localhost/sfscan")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "env-client", cfg.Salesforce.ClientID)
	assert.Equal(t, "env-secret", cfg.Salesforce.ClientSecret)
	assert.Equal(t, "https://app.example.com/oauth/callback", cfg.Salesforce.RedirectURL)
	assert.Equal(t, "https://test.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "postgres://localhost/sfscan", cfg.Database.DSN)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing client id", mutate: func(c *Config) { c.Salesforce.ClientID = "" }, wantErr: "salesforce.client_id is required"},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port 70000 is out of range"},
		{name: "negative timeout", mutate: func(c *Config) { c.CLI.CommandTimeout = -time.Second }, wantErr: "cli.command_timeout"},
		{name: "negative queue timeout", mutate: func(c *Config) { c.CLI.QueueTimeout = -time.Second }, wantErr: "cli.queue_timeout"},
		{name: "negative concurrency", mutate: func(c *Config) { c.CLI.MaxConcurrent = -1 }, wantErr: "cli.max_concurrent"},
		{name: "negative ttl", mutate: func(c *Config) { c.Sessions.TTL = -time.Minute }, wantErr: "sessions.ttl"},
		{name: "unknown audit backend", mutate: func(c *Config) { c.Audit.Backend = "kafka" }, wantErr: `audit.backend "kafka"`},
		{
			name: "postgres audit without dsn",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.Backend = "postgres"
			},
			wantErr: "database.dsn is required",
		},
		{
			name: "postgres audit disabled needs no dsn",
			mutate: func(c *Config) {
				c.Audit.Backend = "postgres"
			},
		},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: `logging.format "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidate_Automation(t *testing.T) {
	tests := []struct {
		name       string
		automation AutomationConfig
		wantErrs   []string
	}{
		{
			name: "password grant",
			automation: AutomationConfig{
				Enabled: true, Grant: "password", Username: "ci@example.com",
				Password: "pw", APIKeyHash: testBcryptHash,
			},
		},
		{
			name: "jwt grant",
			automation: AutomationConfig{
				Enabled: true, Grant: "jwt", Username: "ci@example.com",
				PrivateKeyFile: "/etc/sfscan/key.pem", APIKeyHash: testBcryptHash,
			},
		},
		{
			name:       "everything missing",
			automation: AutomationConfig{Enabled: true, Grant: "password"},
			wantErrs: []string{
				"automation.username is required",
				"automation.password is required",
				"automation.api_key_hash must be a bcrypt hash",
			},
		},
		{
			name: "jwt without key file",
			automation: AutomationConfig{
				Enabled: true, Grant: "jwt", Username: "ci@example.com", APIKeyHash: testBcryptHash,
			},
			wantErrs: []string{"automation.private_key_file is required"},
		},
		{
			name: "unknown grant",
			automation: AutomationConfig{
				Enabled: true, Grant: "saml", Username: "ci@example.com", APIKeyHash: testBcryptHash,
			},
			wantErrs: []string{`automation.grant "saml"`},
		},
		{
			name: "plaintext key rejected",
			automation: AutomationConfig{
				Enabled: true, Grant: "password", Username: "ci@example.com",
				Password: "pw", APIKeyHash: "plaintext",
			},
			wantErrs: []string{"automation.api_key_hash must be a bcrypt hash"},
		},
		{
			name:       "disabled ignores fields",
			automation: AutomationConfig{Grant: "saml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Automation = tt.automation
			err := cfg.Validate()
			if len(tt.wantErrs) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErrs {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
