package oauth

import (
	"errors"
	"sync"
	"time"
)

// ErrStateNotFound is returned for an unknown, consumed or expired state.
var ErrStateNotFound = errors.New("authorization state not found")

// PendingLogin links an OAuth callback back to the session that started it.
type PendingLogin struct {
	// SessionID is the session created when the login started.
	SessionID string

	// LoginURL is the Salesforce host the user was sent to.
	LoginURL string

	// CodeVerifier is the PKCE secret sent with the code exchange.
	CodeVerifier string

	// CreatedAt is when the login started.
	CreatedAt time.Time
}

// StateStore holds pending logins keyed by the OAuth state parameter.
type StateStore interface {
	// Save stores a pending login.
	Save(key string, login *PendingLogin) error

	// Take returns and removes a pending login so each state is usable once.
	Take(key string) (*PendingLogin, error)

	// Cleanup removes logins older than maxAge and returns how many it removed.
	Cleanup(maxAge time.Duration) (int, error)
}

// MemoryStateStore is an in-memory implementation of StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*PendingLogin
	now    func() time.Time
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]*PendingLogin),
		now:    time.Now,
	}
}

// Save stores a pending login.
func (s *MemoryStateStore) Save(key string, login *PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key] = login
	return nil
}

// Take returns and removes a pending login.
func (s *MemoryStateStore) Take(key string) (*PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	login, ok := s.states[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, key)
	return login, nil
}

// Cleanup removes logins older than maxAge.
func (s *MemoryStateStore) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, login := range s.states {
		if login.CreatedAt.Before(cutoff) {
			delete(s.states, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of pending logins.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Verify MemoryStateStore implements StateStore.
var _ StateStore = (*MemoryStateStore)(nil)
