package auth

import (
	"context"
	"net/http"
	"strings"
)

// Authenticator resolves the caller for a request context.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Caller, error)
}

// ExtractToken reads a Bearer token from Authorization or, failing that,
// the X-API-Key header.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); t != "" {
			return t
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// DenyFunc writes the response for a rejected request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware admits only requests that a authenticates. The caller is
// available downstream through GetCaller.
func Middleware(a Authenticator, deny DenyFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if token := ExtractToken(r); token != "" {
				ctx = WithToken(ctx, token)
			}

			caller, err := a.Authenticate(ctx)
			if err != nil {
				deny(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

// Verify interface compliance.
var _ Authenticator = (*APIKeyAuthenticator)(nil)
