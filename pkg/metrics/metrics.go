// Package metrics exposes Prometheus instruments for logins, pipeline stages,
// external commands and the expiry sweeper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sfscan"

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	logins        *prometheus.CounterVec
	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec
	commands      *prometheus.CounterVec
	swept         *prometheus.CounterVec
}

// New registers the instruments on a fresh registry alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by method and result",
		}, []string{"method", "result"}),
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_total",
			Help:      "Pipeline stage completions by stage and result",
		}, []string{"stage", "result"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11), // 1s to ~17m
		}, []string{"stage"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback strategies taken by kind",
		}, []string{"kind"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cli_commands_total",
			Help:      "External CLI invocations by subcommand and result",
		}, []string{"command", "result"}),
		swept: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Resources removed by the expiry sweeper",
		}, []string{"kind"}),
	}
}

// RegisterActiveSessions exposes fn as the live session gauge.
func (m *Metrics) RegisterActiveSessions(fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held in memory",
	}, fn)
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveLogin counts a login attempt.
func (m *Metrics) ObserveLogin(method string, ok bool) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(method, result(ok)).Inc()
}

// ObserveStage counts a stage outcome and records its duration.
func (m *Metrics) ObserveStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, result(ok)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFallback counts a fallback strategy being taken.
func (m *Metrics) ObserveFallback(kind string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(kind).Inc()
}

// ObserveCommand counts one CLI invocation.
func (m *Metrics) ObserveCommand(command string, ok bool) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result(ok)).Inc()
}

// ObserveSwept counts n resources of kind removed by the sweeper.
func (m *Metrics) ObserveSwept(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
