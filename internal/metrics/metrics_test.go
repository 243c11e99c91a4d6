package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RunFinished("completed", 3*time.Second)
	m.Listing("hidden")
	m.Probe(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `stocksync_runs_total{state="completed"} 1`)
	assert.Contains(t, string(body), `stocksync_listing_outcomes_total{outcome="hidden"} 1`)
	assert.Contains(t, string(body), `stocksync_probes_total{result="degraded"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunFinished("failed", time.Second)
		m.Listing("error")
		m.Probe(false)
	})
}
