// Package report gives read-only access to finished analysis reports.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"

	"github.com/txn2/sfscan/pkg/session"
)

// Reasons reported with ErrNotFound.
const (
	ReasonSessionNotFound = "Session not found"
	ReasonNotAvailable    = "Report not available"
	ReasonFileNotFound    = "Report file not found"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("report not found")

// NotFoundError explains why no report could be returned.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string { return e.Reason }

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// File is a seekable report stream.
type File interface {
	io.ReadSeekCloser
}

// Artifact is a report that existed at fetch time.
type Artifact struct {
	SessionID string
	Path      string
	Size      int64
	ModTime   time.Time

	fs afero.Fs
}

// Open opens the report. The file may have been swept since Fetch, in
// which case the error matches ErrNotFound.
func (a *Artifact) Open() (File, error) {
	f, err := a.fs.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", &NotFoundError{Reason: ReasonFileNotFound}, err)
	}
	return f, nil
}

// Gateway looks up reports by session.
type Gateway struct {
	store session.Store
	fs    afero.Fs
}

// NewGateway creates a Gateway.
func NewGateway(store session.Store, fs afero.Fs) *Gateway {
	return &Gateway{store: store, fs: fs}
}

// Fetch returns the report for id if the session is analyzed and the file
// exists now. It never changes the session.
func (g *Gateway) Fetch(ctx context.Context, id string) (*Artifact, error) {
	sess, err := g.store.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, &NotFoundError{Reason: ReasonSessionNotFound}
	}
	if err != nil {
		return nil, err
	}
	if sess.Stage != session.StageAnalyzed || sess.ArtifactPath == "" {
		return nil, &NotFoundError{Reason: ReasonNotAvailable}
	}

	info, err := g.fs.Stat(sess.ArtifactPath)
	if err != nil || info.IsDir() {
		return nil, &NotFoundError{Reason: ReasonFileNotFound}
	}
	return &Artifact{
		SessionID: id,
		Path:      sess.ArtifactPath,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		fs:        g.fs,
	}, nil
}
