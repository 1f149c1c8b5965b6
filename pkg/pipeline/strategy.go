package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/manifest"
	"github.com/txn2/sfscan/pkg/session"
	"github.com/txn2/sfscan/pkg/sfcli"
	"github.com/txn2/sfscan/pkg/workspace"
)

const generatedManifestName = "org-manifest"

// Job is the retrieval work for one session.
type Job struct {
	Session      session.Session
	ProjectDir   string
	ContentDir   string
	ManifestPath string
	Manifest     *manifest.Package
}

// ManifestStrategy produces the manifest a retrieval uses.
type ManifestStrategy interface {
	Name() string
	Manifest(ctx context.Context, job *Job) (*manifest.Package, error)
}

// RetrievalStrategy pulls org metadata into the job's project.
type RetrievalStrategy interface {
	Name() string
	Retrieve(ctx context.Context, job *Job) (executor.Result, error)
}

// ManifestChain tries Primary and, if it fails, Fallback once.
type ManifestChain struct {
	Primary  ManifestStrategy
	Fallback ManifestStrategy
}

// Resolve returns the manifest and the name of the strategy that produced it.
func (c ManifestChain) Resolve(ctx context.Context, job *Job) (*manifest.Package, string, error) {
	pkg, err := c.Primary.Manifest(ctx, job)
	if err == nil {
		return pkg, c.Primary.Name(), nil
	}
	if c.Fallback == nil {
		return nil, c.Primary.Name(), err
	}
	pkg, ferr := c.Fallback.Manifest(ctx, job)
	if ferr != nil {
		return nil, c.Fallback.Name(), errors.Join(err, ferr)
	}
	return pkg, c.Fallback.Name(), nil
}

// GeneratedManifest asks the CLI to list everything in the org.
type GeneratedManifest struct {
	Runner executor.Runner
	CLI    *sfcli.Builder
	Fs     afero.Fs
}

// Name implements ManifestStrategy.
func (GeneratedManifest) Name() string { return "generated" }

// Manifest implements ManifestStrategy.
func (g GeneratedManifest) Manifest(ctx context.Context, job *Job) (*manifest.Package, error) {
	outDir := job.Session.WorkDir
	cmd := g.CLI.GenerateManifest(job.ProjectDir, job.Session.ID, generatedManifestName, outDir)
	if _, err := g.Runner.Run(ctx, cmd); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(g.Fs, filepath.Join(outDir, generatedManifestName+".xml"))
	if err != nil {
		return nil, fmt.Errorf("reading generated manifest: %w", err)
	}
	return manifest.Parse(data)
}

// FixedManifest is the built-in exhaustive manifest.
type FixedManifest struct{}

// Name implements ManifestStrategy.
func (FixedManifest) Name() string { return "fixed" }

// Manifest implements ManifestStrategy.
func (FixedManifest) Manifest(context.Context, *Job) (*manifest.Package, error) {
	return manifest.Default(), nil
}

// ManifestRetrieval retrieves what the job's manifest file lists.
type ManifestRetrieval struct {
	Runner executor.Runner
	CLI    *sfcli.Builder
}

// Name implements RetrievalStrategy.
func (ManifestRetrieval) Name() string { return "manifest" }

// Retrieve implements RetrievalStrategy.
func (m ManifestRetrieval) Retrieve(ctx context.Context, job *Job) (executor.Result, error) {
	return m.Runner.Run(ctx, m.CLI.RetrieveManifest(job.ProjectDir, job.Session.ID, job.ManifestPath))
}

// MetadataRetrieval retrieves by metadata type name without a manifest file.
type MetadataRetrieval struct {
	Runner executor.Runner
	CLI    *sfcli.Builder
}

// Name implements RetrievalStrategy.
func (MetadataRetrieval) Name() string { return "metadata" }

// Retrieve implements RetrievalStrategy.
func (m MetadataRetrieval) Retrieve(ctx context.Context, job *Job) (executor.Result, error) {
	types := manifest.DefaultTypes()
	if job.Manifest != nil {
		if names := job.Manifest.TypeNames(); len(names) > 0 {
			types = names
		}
	}
	return m.Runner.Run(ctx, m.CLI.RetrieveMetadata(job.ProjectDir, job.Session.ID, types))
}

// RetrievalChain runs Primary and, only when it leaves too little content,
// Fallback exactly once. A command failure is never retried.
type RetrievalChain struct {
	Primary  RetrievalStrategy
	Fallback RetrievalStrategy
	Layout   *workspace.Layout
	MinBytes int64
}

// RetrievalOutcome reports what a RetrievalChain did.
type RetrievalOutcome struct {
	Result       executor.Result
	Strategy     string
	FellBack     bool
	ContentBytes int64
}

// Run executes the chain for job.
func (c RetrievalChain) Run(ctx context.Context, job *Job) (RetrievalOutcome, error) {
	out := RetrievalOutcome{Strategy: c.Primary.Name()}
	res, err := c.Primary.Retrieve(ctx, job)
	if err != nil {
		return out, err
	}
	out.Result = res

	size, serr := c.checkContent(job.ContentDir)
	if serr == nil || c.Fallback == nil {
		out.ContentBytes = size
		return out, serr
	}

	out.Strategy = c.Fallback.Name()
	out.FellBack = true
	res, err = c.Fallback.Retrieve(ctx, job)
	if err != nil {
		return out, err
	}
	out.Result = res

	size, serr = c.checkContent(job.ContentDir)
	out.ContentBytes = size
	return out, serr
}

func (c RetrievalChain) checkContent(dir string) (int64, error) {
	size, err := c.Layout.DirSize(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, missing("retrieved content directory not found", fmt.Errorf("%w: %s", ErrArtifactMissing, dir))
	}
	if err != nil {
		return 0, err
	}
	if size < c.MinBytes || size == 0 {
		return size, missing("retrieved content is empty or too small",
			fmt.Errorf("%w: %d bytes under %s", ErrArtifactMissing, size, dir))
	}
	return size, nil
}
