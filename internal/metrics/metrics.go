package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reconciliation collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	listings     *prometheus.CounterVec
	probeResults *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "runs_total",
			Help:      "Reconciliation runs by final state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stocksync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "listing_outcomes_total",
			Help:      "Per-listing effects applied by reconciliation runs.",
		}, []string{"outcome"}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Name:      "probes_total",
			Help:      "Marketplace probes by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.listings, m.probeResults)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunFinished(state string, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
	m.runDuration.Observe(took.Seconds())
}

// Listing counts one outcome such as "hidden", "price_changed", "destination_updated" or "error".
func (m *Metrics) Listing(outcome string) {
	if m == nil {
		return
	}
	m.listings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Probe(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.probeResults.WithLabelValues("degraded").Inc()
		return
	}
	m.probeResults.WithLabelValues("ok").Inc()
}
