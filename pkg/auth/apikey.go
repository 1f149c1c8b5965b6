package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNoKey is returned when the request carries no API key.
	ErrNoKey = errors.New("no API key found in context")

	// ErrInvalidKey is returned when no configured hash matches.
	ErrInvalidKey = errors.New("invalid API key")
)

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey
}

// APIKey is a named bcrypt hash of a key.
type APIKey struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// HashKey returns the bcrypt hash to store for key.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("key must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}
	return string(h), nil
}

// APIKeyAuthenticator authenticates using API keys.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator. Entries
// without a hash are ignored.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) *APIKeyAuthenticator {
	keys := make([]APIKey, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k.Hash != "" {
			keys = append(keys, k)
		}
	}
	return &APIKeyAuthenticator{keys: keys}
}

// Len returns the number of usable keys.
func (a *APIKeyAuthenticator) Len() int { return len(a.keys) }

// Authenticate checks the token in ctx against every configured hash.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*Caller, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoKey
	}

	// bcrypt comparison is constant-time per hash.
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) == nil {
			return &Caller{Name: k.Name, AuthType: "apikey"}, nil
		}
	}
	return nil, ErrInvalidKey
}
