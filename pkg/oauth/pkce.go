package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
)

// PKCEMethod defines the code challenge method.
type PKCEMethod string

const (
	// PKCEMethodPlain uses plain text (not recommended).
	PKCEMethodPlain PKCEMethod = "plain"

	// PKCEMethodS256 uses SHA-256 hashing (recommended).
	PKCEMethodS256 PKCEMethod = "S256"

	// verifierBytes yields a 43 character base64url verifier.
	verifierBytes = 32

	// stateBytes is the entropy of an OAuth state parameter.
	stateBytes = 32
)

var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// ValidateCodeVerifier validates a code verifier.
// Per RFC 7636, it must be 43-128 characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code verifier must be between 43 and 128 characters")
	}
	if !verifierPattern.MatchString(verifier) {
		return fmt.Errorf("code verifier contains invalid characters")
	}
	return nil
}

// GenerateCodeVerifier returns a fresh random verifier.
func GenerateCodeVerifier() (string, error) {
	return randomToken(verifierBytes)
}

// GenerateState returns an unguessable OAuth state value.
func GenerateState() (string, error) {
	return randomToken(stateBytes)
}

// GenerateCodeChallenge generates a code challenge from a verifier.
func GenerateCodeChallenge(verifier string, method PKCEMethod) (string, error) {
	if err := ValidateCodeVerifier(verifier); err != nil {
		return "", err
	}

	switch method {
	case PKCEMethodPlain:
		return verifier, nil
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]), nil
	default:
		return "", fmt.Errorf("unsupported PKCE method: %s", method)
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
