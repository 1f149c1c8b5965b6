package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	memTestGoroutines = 10
	memTestIterations = 100
	memTestSess1      = "sess-1"
	memTestSess2      = "sess-2"
	memTestWorkDir    = "/tmp/work/sess-1"
	memTestLoginURL   = "https://login.salesforce.com"
)

func newTestSession(id string, createdAt time.Time) *Session {
	return New(id, "user@example.com", memTestLoginURL, "/tmp/work/"+id, createdAt)
}

func TestMemoryStore_PutAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	got, err := store.Get(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, memTestSess1, got.ID)
	assert.Equal(t, StageCreated, got.Stage)
	assert.Equal(t, memTestWorkDir, got.WorkDir)
}

func TestMemoryStore_PutDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))
	err := store.Put(ctx, newTestSession(memTestSess1, time.Now()))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	got, err := store.Get(ctx, memTestSess1)
	require.NoError(t, err)
	got.Stage = StageAnalyzed
	got.ArtifactPath = "/tmp/report.html"

	again, err := store.Get(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, StageCreated, again.Stage)
	assert.Empty(t, again.ArtifactPath)
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	cred := Credential{AccessToken: "tok", InstanceURL: "https://acme.my.salesforce.com"}
	updated, err := store.Update(ctx, memTestSess1, func(s *Session) error {
		return s.Authenticate(cred, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, StageAuthenticated, updated.Stage)

	got, err := store.Get(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, StageAuthenticated, got.Stage)
	assert.Equal(t, "tok", got.Credential.AccessToken)
}

func TestMemoryStore_UpdateErrorLeavesSessionUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	_, err := store.Update(ctx, memTestSess1, func(s *Session) error {
		s.Username = "mutated"
		return s.MarkAnalyzed("/tmp/report.html", time.Now())
	})
	require.ErrorIs(t, err, ErrStageOrder)

	got, err := store.Get(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Username)
	assert.Equal(t, StageCreated, got.Stage)
}

func TestMemoryStore_UpdateNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Update(context.Background(), "missing", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteAndList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.Put(ctx, newTestSession(memTestSess2, base.Add(time.Second))))
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, base)))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, memTestSess1, list[0].ID, "oldest first")
	assert.Equal(t, 2, store.Len())

	require.NoError(t, store.Delete(ctx, memTestSess1))
	require.NoError(t, store.Delete(ctx, "never-existed"))

	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, memTestSess2, list[0].ID)
}

func TestMemoryStore_AcquireExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	release, err := store.Acquire(ctx, memTestSess1)
	require.NoError(t, err)

	_, ok := store.TryAcquire(memTestSess1)
	assert.False(t, ok, "lock is held")

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(waitCtx, memTestSess1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op

	again, ok := store.TryAcquire(memTestSess1)
	require.True(t, ok)
	again()
}

func TestMemoryStore_AcquireNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Acquire(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, ok := store.TryAcquire("missing")
	assert.False(t, ok)
}

func TestMemoryStore_AcquireAfterDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	release, ok := store.TryAcquire(memTestSess1)
	require.True(t, ok)

	errCh := make(chan error, 1)
	go func() {
		_, err := store.Acquire(ctx, memTestSess1)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Delete(ctx, memTestSess1))
	release()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("waiter never returned")
	}
}

func TestMemoryStore_AcquireSerializes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, newTestSession(memTestSess1, time.Now())))

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range memTestGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := store.Acquire(ctx, memTestSess1)
			if err != nil {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range memTestGoroutines {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "concurrent-" + string(rune('a'+n))
			for range memTestIterations {
				_ = store.Put(ctx, newTestSession(id, time.Now()))
				_, _ = store.Get(ctx, id)
				_, _ = store.List(ctx)
				_ = store.Delete(ctx, id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, store.Len())
}
