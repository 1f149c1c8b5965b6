// Package workspace owns the on-disk layout: one work directory per session
// under the projects root and one HTML report per session under the reports
// root.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	dirPerm = 0o750

	reportPrefix = "CodeAnalyzerResults_"
	reportSuffix = ".html"
)

var (
	// ErrExists is returned when a work directory is already allocated.
	ErrExists = errors.New("work directory already exists")

	// ErrInvalidID is returned for an ID that is not a single path element.
	ErrInvalidID = errors.New("invalid session id for path")
)

// Layout resolves and manages per-session paths.
type Layout struct {
	fs           afero.Fs
	projectsRoot string
	reportsRoot  string
}

// New creates a Layout over fs.
func New(fs afero.Fs, projectsRoot, reportsRoot string) *Layout {
	return &Layout{
		fs:           fs,
		projectsRoot: filepath.Clean(projectsRoot),
		reportsRoot:  filepath.Clean(reportsRoot),
	}
}

// Fs returns the underlying filesystem.
func (l *Layout) Fs() afero.Fs { return l.fs }

// ProjectsRoot returns the directory holding work directories.
func (l *Layout) ProjectsRoot() string { return l.projectsRoot }

// ReportsRoot returns the directory holding reports.
func (l *Layout) ReportsRoot() string { return l.reportsRoot }

// Init creates both roots.
func (l *Layout) Init() error {
	for _, dir := range []string{l.projectsRoot, l.reportsRoot} {
		if err := l.fs.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Allocate creates the work directory for id. It fails with ErrExists
// rather than reuse a directory another session may own.
func (l *Layout) Allocate(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(l.projectsRoot, id)
	if _, err := l.fs.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, dir)
	}
	if err := l.fs.Mkdir(dir, dirPerm); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, dir)
		}
		return "", fmt.Errorf("allocating work directory: %w", err)
	}
	return dir, nil
}

// ReportPath returns where the report for id is written.
func (l *Layout) ReportPath(id string) string {
	return filepath.Join(l.reportsRoot, reportPrefix+id+reportSuffix)
}

// Exists reports whether path exists.
func (l *Layout) Exists(path string) bool {
	_, err := l.fs.Stat(path)
	return err == nil
}

// Remove deletes each path recursively. Missing paths are not an error.
func (l *Layout) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := l.fs.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// DirSize returns the total size of regular files under path. It returns an
// error matching fs.ErrNotExist when path is absent.
func (l *Layout) DirSize(path string) (int64, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", path)
	}

	var total int64
	err = afero.Walk(l.fs, path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", path, err)
	}
	return total, nil
}

// Orphans lists work directories and reports that belong to no live session
// and were last modified before cutoff.
func (l *Layout) Orphans(live map[string]bool, cutoff time.Time) ([]string, error) {
	var out []string

	projects, err := l.readDir(l.projectsRoot)
	if err != nil {
		return nil, err
	}
	for _, fi := range projects {
		if !fi.IsDir() || live[fi.Name()] || !fi.ModTime().Before(cutoff) {
			continue
		}
		out = append(out, filepath.Join(l.projectsRoot, fi.Name()))
	}

	reports, err := l.readDir(l.reportsRoot)
	if err != nil {
		return nil, err
	}
	for _, fi := range reports {
		id, ok := reportID(fi.Name())
		if !ok || fi.IsDir() || live[id] || !fi.ModTime().Before(cutoff) {
			continue
		}
		out = append(out, filepath.Join(l.reportsRoot, fi.Name()))
	}
	return out, nil
}

func (l *Layout) readDir(dir string) ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(l.fs, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	return entries, nil
}

func reportID(name string) (string, bool) {
	if !strings.HasPrefix(name, reportPrefix) || !strings.HasSuffix(name, reportSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, reportPrefix), reportSuffix)
	return id, id != ""
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
