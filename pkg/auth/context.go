// Package auth authenticates automation callers by API key. Keys are stored
// only as bcrypt hashes.
package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	tokenContextKey contextKey = iota
	callerContextKey
)

// Caller identifies an authenticated automation client.
type Caller struct {
	Name     string `json:"name"`
	AuthType string `json:"auth_type"`
}

// WithToken adds a raw credential to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw credential from the context.
func GetToken(ctx context.Context) string {
	if t, ok := ctx.Value(tokenContextKey).(string); ok {
		return t
	}
	return ""
}

// WithCaller adds the authenticated caller to the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

// GetCaller retrieves the authenticated caller from the context.
func GetCaller(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerContextKey).(*Caller); ok {
		return c
	}
	return nil
}
