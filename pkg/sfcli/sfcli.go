// Package sfcli builds argument vectors for the Salesforce CLI. Every value
// is bound as --flag=value so that no caller-supplied string can be parsed
// as a separate flag, and access tokens travel only in the environment.
package sfcli

import (
	"github.com/txn2/sfscan/pkg/executor"
)

const (
	// DefaultBinary is the CLI executable name resolved through PATH.
	DefaultBinary = "sf"

	// AccessTokenEnv is the variable the CLI reads a token from for
	// "org login access-token".
	AccessTokenEnv = "SF_ACCESS_TOKEN"
)

// Builder creates executor commands for the CLI.
type Builder struct {
	binary string
	env    map[string]string
}

// New creates a Builder. An empty binary selects DefaultBinary.
func New(binary string) *Builder {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Builder{
		binary: binary,
		env: map[string]string{
			"SF_AUTOUPDATE_DISABLE": "true",
			"SF_DISABLE_TELEMETRY":  "true",
		},
	}
}

// Binary returns the configured executable.
func (b *Builder) Binary() string { return b.binary }

func (b *Builder) command(dir string, extra map[string]string, args ...string) executor.Command {
	env := make(map[string]string, len(b.env)+len(extra))
	for k, v := range b.env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return executor.Command{Name: b.binary, Args: args, Dir: dir, Env: env}
}

func flag(name, value string) string {
	return "--" + name + "=" + value
}

// LoginAccessToken registers token under alias.
func (b *Builder) LoginAccessToken(dir, alias, instanceURL, token string) executor.Command {
	return b.command(dir, map[string]string{AccessTokenEnv: token},
		"org", "login", "access-token",
		flag("instance-url", instanceURL),
		flag("alias", alias),
		"--no-prompt",
	)
}

// Logout removes the alias from the CLI's credential store.
func (b *Builder) Logout(dir, alias string) executor.Command {
	return b.command(dir, nil,
		"org", "logout",
		flag("target-org", alias),
		"--no-prompt",
	)
}

// GenerateProject creates a project named name inside dir.
func (b *Builder) GenerateProject(dir, name string) executor.Command {
	return b.command(dir, nil,
		"project", "generate",
		flag("name", name),
	)
}

// GenerateManifest writes <outputDir>/<name>.xml listing the org's metadata.
func (b *Builder) GenerateManifest(dir, alias, name, outputDir string) executor.Command {
	return b.command(dir, nil,
		"project", "generate", "manifest",
		flag("from-org", alias),
		flag("name", name),
		flag("output-dir", outputDir),
	)
}

// RetrieveManifest retrieves what manifestPath lists into projectDir.
func (b *Builder) RetrieveManifest(projectDir, alias, manifestPath string) executor.Command {
	return b.command(projectDir, nil,
		"project", "retrieve", "start",
		flag("manifest", manifestPath),
		flag("target-org", alias),
	)
}

// RetrieveMetadata retrieves the named metadata types into projectDir.
func (b *Builder) RetrieveMetadata(projectDir, alias string, types []string) executor.Command {
	args := []string{"project", "retrieve", "start"}
	for _, t := range types {
		args = append(args, flag("metadata", t))
	}
	args = append(args, flag("target-org", alias))
	return b.command(projectDir, nil, args...)
}

// ScannerRun runs Code Analyzer over target and writes an HTML report.
func (b *Builder) ScannerRun(projectDir, target, outfile string) executor.Command {
	return b.command(projectDir, nil,
		"scanner", "run",
		flag("format", "html"),
		flag("outfile", outfile),
		flag("target", target),
	)
}

// Version prints the CLI version.
func (b *Builder) Version() executor.Command {
	return b.command("", nil, "--version")
}
