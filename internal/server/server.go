// Package server provides a factory for creating the HTTP server.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/sfscan/pkg/api"
	"github.com/txn2/sfscan/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// New creates the HTTP server and its platform from cfg.
func New(cfg *platform.Config, opts ...platform.Option) (*http.Server, *platform.Platform, error) {
	p, err := platform.New(append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           Handler(p),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return srv, p, nil
}

// NewWithConfig creates a server from a configuration file.
func NewWithConfig(configPath string) (*http.Server, *platform.Platform, error) {
	cfg, err := platform.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return New(cfg)
}

// NewWithDefaults creates a server configured from the environment.
func NewWithDefaults() (*http.Server, *platform.Platform, error) {
	cfg, err := platform.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return New(cfg)
}

// Handler routes probes and metrics alongside the API.
func Handler(p *platform.Platform) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", p.Health().LivenessHandler())
	mux.Handle("GET /readyz", p.Health().ReadinessHandler())
	mux.Handle("GET /metrics", p.Metrics().Handler())
	mux.Handle("/", api.NewHandler(api.Deps{
		Acquirer:          p.Acquirer(),
		Orchestrator:      p.Orchestrator(),
		Gateway:           p.Gateway(),
		Store:             p.Store(),
		Audit:             p.AuditLogger(),
		APIKeys:           p.APIKeys(),
		PostLoginRedirect: p.Config().Server.PostLoginRedirect,
	}))
	return logRequests(mux)
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
