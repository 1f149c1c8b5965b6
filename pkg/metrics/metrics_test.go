package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveLogin("interactive", true)
	m.ObserveLogin("interactive", false)
	m.ObserveLogin("interactive", false)
	m.ObserveStage("retrieve", true, 3*time.Second)
	m.ObserveFallback("retrieval")
	m.ObserveCommand("scanner run", false)
	m.ObserveSwept("session", 2)
	m.ObserveSwept("orphan", 0)

	assert.InDelta(t, 1, testutil.ToFloat64(m.logins.WithLabelValues("interactive", ResultSuccess)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.logins.WithLabelValues("interactive", ResultFailure)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.stageTotal.WithLabelValues("retrieve", ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fallbacks.WithLabelValues("retrieval")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.commands.WithLabelValues("scanner run", ResultFailure)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.swept.WithLabelValues("session")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLogin("x", true)
		m.ObserveStage("x", true, time.Second)
		m.ObserveFallback("x")
		m.ObserveCommand("x", true)
		m.ObserveSwept("x", 1)
		m.RegisterActiveSessions(func() float64 { return 0 })
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RegisterActiveSessions(func() float64 { return 3 })
	m.ObserveStage("analyze", false, time.Minute)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "sfscan_active_sessions 3")
	assert.Contains(t, text, `sfscan_stage_total{result="failure",stage="analyze"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
