package report

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sfscan/pkg/session"
)

const reportPath = "/reports/CodeAnalyzerResults_s1.html"

func seed(t *testing.T, stage session.Stage) (*Gateway, afero.Fs) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	store := session.NewMemoryStore()
	fs := afero.NewMemMapFs()

	sess := session.New("s1", "", "", "/projects/s1", now)
	steps := []func() error{
		func() error {
			return sess.Authenticate(session.Credential{AccessToken: "t", InstanceURL: "https://x.my.salesforce.com"}, now)
		},
		func() error { return sess.MarkRetrieved("/projects/s1/salesforce-project", now) },
		func() error { return sess.MarkAnalyzed(reportPath, now) },
	}
	for _, step := range steps {
		if sess.Stage == stage {
			break
		}
		require.NoError(t, step())
	}
	require.NoError(t, store.Put(ctx, sess))
	return NewGateway(store, fs), fs
}

func reason(t *testing.T, err error) string {
	t.Helper()
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	return nf.Reason
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("analyzed with file", func(t *testing.T) {
		g, fs := seed(t, session.StageAnalyzed)
		require.NoError(t, afero.WriteFile(fs, reportPath, []byte("<html>ok</html>"), 0o640))

		art, err := g.Fetch(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, reportPath, art.Path)
		assert.EqualValues(t, len("<html>ok</html>"), art.Size)

		f, err := art.Open()
		require.NoError(t, err)
		defer f.Close()
		body, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "<html>ok</html>", string(body))
	})

	t.Run("unknown session", func(t *testing.T) {
		g, _ := seed(t, session.StageAnalyzed)
		_, err := g.Fetch(ctx, "nope")
		assert.Equal(t, ReasonSessionNotFound, reason(t, err))
	})

	t.Run("retrieved only", func(t *testing.T) {
		g, _ := seed(t, session.StageRetrieved)
		_, err := g.Fetch(ctx, "s1")
		assert.Equal(t, ReasonNotAvailable, reason(t, err))
	})

	t.Run("authenticated only", func(t *testing.T) {
		g, _ := seed(t, session.StageAuthenticated)
		_, err := g.Fetch(ctx, "s1")
		assert.Equal(t, ReasonNotAvailable, reason(t, err))
	})

	t.Run("file swept", func(t *testing.T) {
		g, _ := seed(t, session.StageAnalyzed)
		_, err := g.Fetch(ctx, "s1")
		assert.Equal(t, ReasonFileNotFound, reason(t, err))
	})

	t.Run("file removed after fetch", func(t *testing.T) {
		g, fs := seed(t, session.StageAnalyzed)
		require.NoError(t, afero.WriteFile(fs, reportPath, []byte("x"), 0o640))
		art, err := g.Fetch(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, fs.Remove(reportPath))

		_, err = art.Open()
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFetchDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	g, fs := seed(t, session.StageAnalyzed)
	require.NoError(t, afero.WriteFile(fs, reportPath, []byte("x"), 0o640))

	before, err := g.store.Get(ctx, "s1")
	require.NoError(t, err)
	_, err = g.Fetch(ctx, "s1")
	require.NoError(t, err)
	after, err := g.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
