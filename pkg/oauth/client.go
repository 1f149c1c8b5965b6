// Package oauth obtains Salesforce access tokens. It supports the web-server
// flow with PKCE, the username-password flow and the JWT bearer flow, and
// keeps pending interactive logins keyed by their OAuth state.
package oauth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	authorizePath = "/services/oauth2/authorize"
	tokenPath     = "/services/oauth2/token"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = 3 * time.Minute
)

// DefaultAllowedHosts are the domain suffixes a login or instance URL may use.
var DefaultAllowedHosts = []string{"salesforce.com", "force.com", "cloudforce.com"}

var (
	// ErrInvalidLoginURL is returned for a URL that is not https on an allowed host.
	ErrInvalidLoginURL = errors.New("invalid login url")

	// ErrTokenRequest is returned when the token endpoint rejects a grant.
	ErrTokenRequest = errors.New("token request failed")
)

// Token is a Salesforce access token and the instance it is valid for.
type Token struct {
	AccessToken  string
	RefreshToken string
	InstanceURL  string
	IdentityURL  string
	IssuedAt     time.Time
}

// ClientConfig configures a SalesforceClient.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// AllowedHosts overrides DefaultAllowedHosts.
	AllowedHosts []string

	// HTTPClient is used for token requests when set.
	HTTPClient *http.Client
}

// SalesforceClient talks to a Salesforce OAuth token endpoint.
type SalesforceClient struct {
	cfg ClientConfig
	now func() time.Time
}

// NewSalesforceClient creates a client.
func NewSalesforceClient(cfg ClientConfig) (*SalesforceClient, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth client_id is required")
	}
	if len(cfg.AllowedHosts) == 0 {
		cfg.AllowedHosts = DefaultAllowedHosts
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"api", "refresh_token"}
	}
	return &SalesforceClient{cfg: cfg, now: time.Now}, nil
}

// ValidateURL checks that raw is https on an allowed host and returns its
// origin (scheme and host, no path).
func (c *SalesforceClient) ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidLoginURL, err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be https", ErrInvalidLoginURL)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: userinfo not allowed", ErrInvalidLoginURL)
	}
	host := strings.ToLower(u.Hostname())
	if !c.hostAllowed(host) {
		return "", fmt.Errorf("%w: host %q is not allowed", ErrInvalidLoginURL, host)
	}
	return "https://" + strings.ToLower(u.Host), nil
}

func (c *SalesforceClient) hostAllowed(host string) bool {
	for _, allowed := range c.cfg.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (c *SalesforceClient) config(loginURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   loginURL + authorizePath,
			TokenURL:  loginURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *SalesforceClient) context(ctx context.Context) context.Context {
	if c.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	return ctx
}

// AuthCodeURL returns the authorization URL the user must visit.
func (c *SalesforceClient) AuthCodeURL(loginURL, state, challenge string) string {
	return c.config(loginURL).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", string(PKCEMethodS256)),
	)
}

// Exchange trades an authorization code for a token.
func (c *SalesforceClient) Exchange(ctx context.Context, loginURL, code, verifier string) (*Token, error) {
	tok, err := c.config(loginURL).Exchange(c.context(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging authorization code: %w", ErrTokenRequest, err)
	}
	return c.fromOAuth2(tok)
}

// PasswordGrant exchanges a username and password (with security token
// appended, if the org requires one) for a token.
func (c *SalesforceClient) PasswordGrant(ctx context.Context, loginURL, username, password string) (*Token, error) {
	tok, err := c.config(loginURL).PasswordCredentialsToken(c.context(ctx), username, password)
	if err != nil {
		return nil, fmt.Errorf("%w: password grant: %w", ErrTokenRequest, err)
	}
	return c.fromOAuth2(tok)
}

func (c *SalesforceClient) fromOAuth2(tok *oauth2.Token) (*Token, error) {
	instance, _ := tok.Extra("instance_url").(string)
	if instance == "" {
		return nil, fmt.Errorf("%w: response has no instance_url", ErrTokenRequest)
	}
	id, _ := tok.Extra("id").(string)
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		InstanceURL:  instance,
		IdentityURL:  id,
		IssuedAt:     c.now(),
	}, nil
}

// JWTBearerGrant signs an assertion for username with key and exchanges it
// for a token. The connected app must trust the key's certificate.
func (c *SalesforceClient) JWTBearerGrant(ctx context.Context, loginURL, username string, key *rsa.PrivateKey) (*Token, error) {
	if key == nil {
		return nil, errors.New("jwt bearer grant requires a private key")
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.ClientID,
		Subject:   username,
		Audience:  jwt.ClaimStrings{loginURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}

	// grant_type replaces the authorization_code default.
	cfg := c.config(loginURL)
	cfg.RedirectURL = ""
	tok, err := cfg.Exchange(c.context(ctx), "",
		oauth2.SetAuthURLParam("grant_type", jwtBearerGrant),
		oauth2.SetAuthURLParam("assertion", assertion),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: jwt bearer grant: %w", ErrTokenRequest, err)
	}
	return c.fromOAuth2(tok)
}

// ParsePrivateKey decodes a PEM encoded RSA private key.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}
