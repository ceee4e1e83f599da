// Package metrics collects prometheus instrumentation for the engine.
//
// A Metrics instance owns its own registry: constructed once at process
// start and injected into the engine, quota ledger, and cache via their
// constructors, never reached through a global. Exposed over HTTP only
// when the CLI is started with --metrics-addr.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's instruments.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsFailed    prometheus.Counter
	RunsByState   *prometheus.GaugeVec

	QuotaGranted *prometheus.CounterVec
	QuotaDenied  *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses prometheus.Counter

	BranchesDone   prometheus.Counter
	BranchesFailed prometheus.Counter
	BranchSeconds  prometheus.Histogram
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapwise_runs_started_total",
			Help: "Workflow runs started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapwise_runs_completed_total",
			Help: "Workflow runs reaching the completed state.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapwise_runs_failed_total",
			Help: "Workflow runs reaching the failed state.",
		}),
		RunsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gapwise_runs_by_state",
			Help: "Runs currently driven by this process, by state.",
		}, []string{"state"}),
		QuotaGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gapwise_quota_granted_units_total",
			Help: "Quota units granted, by resource.",
		}, []string{"resource"}),
		QuotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gapwise_quota_denied_total",
			Help: "Quota admission denials, by resource.",
		}, []string{"resource"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gapwise_cache_hits_total",
			Help: "Result cache hits, by answering tier.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapwise_cache_misses_total",
			Help: "Result cache misses across all tiers.",
		}),
		BranchesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapwise_branches_done_total",
			Help: "Fan-out branches finishing in the done state.",
		}),
		BranchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapwise_branches_failed_total",
			Help: "Fan-out branches finishing in the failed state.",
		}),
		BranchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapwise_branch_duration_seconds",
			Help:    "Wall time per fan-out branch.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.RunsStarted,
		m.RunsCompleted,
		m.RunsFailed,
		m.RunsByState,
		m.QuotaGranted,
		m.QuotaDenied,
		m.CacheHits,
		m.CacheMisses,
		m.BranchesDone,
		m.BranchesFailed,
		m.BranchSeconds,
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
