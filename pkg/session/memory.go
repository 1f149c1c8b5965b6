package session

import (
	"context"
	"slices"
	"sync"
)

// Store holds live sessions. Implementations must return copies so that a
// caller never observes a half-applied transition.
type Store interface {
	// Put inserts a new session. It fails with ErrDuplicate if the ID is live.
	Put(ctx context.Context, sess *Session) error

	// Get returns a copy of the session or ErrNotFound.
	Get(ctx context.Context, id string) (Session, error)

	// Update applies fn to the stored session atomically. If fn returns an
	// error the stored session is left unchanged. fn must not block.
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)

	// Delete removes the session. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	// List returns copies of all live sessions ordered by creation time.
	List(ctx context.Context) ([]Session, error)

	// Acquire blocks until the caller holds the session's exclusive lock or
	// ctx is done. The returned release func is safe to call more than once.
	Acquire(ctx context.Context, id string) (release func(), err error)

	// TryAcquire takes the lock only if it is free right now.
	TryAcquire(id string) (release func(), ok bool)
}

type entry struct {
	sess Session
	lock chan struct{}
}

// MemoryStore implements Store using an in-memory map. Each session carries
// a one-slot channel that serves as its pipeline lock.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
	}
}

// Put inserts a new session.
func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[sess.ID]; ok {
		return ErrDuplicate
	}
	s.entries[sess.ID] = &entry{
		sess: *sess,
		lock: make(chan struct{}, 1),
	}
	return nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.sess, nil
}

// Update applies fn to a copy and stores it only if fn succeeds.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	next := e.sess
	if err := fn(&next); err != nil {
		return e.sess, err
	}
	e.sess = next
	return next, nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

// List returns all live sessions, oldest first.
func (s *MemoryStore) List(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	result := make([]Session, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, e.sess)
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Acquire waits for the session's lock.
func (s *MemoryStore) Acquire(ctx context.Context, id string) (func(), error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The session may have been swept while we waited.
	if cur, ok := s.lookup(id); !ok || cur != e {
		<-e.lock
		return nil, ErrNotFound
	}
	return releaser(e), nil
}

// TryAcquire takes the session's lock without waiting.
func (s *MemoryStore) TryAcquire(id string) (func(), bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, false
	}

	select {
	case e.lock <- struct{}{}:
		return releaser(e), true
	default:
		return nil, false
	}
}

func (s *MemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func releaser(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-e.lock })
	}
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
