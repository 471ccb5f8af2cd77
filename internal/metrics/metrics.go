// Package metrics registers the Prometheus collectors the service exposes
// on /metrics. Counters are updated lock-free by the hot paths; nothing in
// here blocks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the service updates. One instance is
// created at startup and shared; tests build their own against a private
// registry.
type Metrics struct {
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	ChainSelected   *prometheus.CounterVec
	FallbackReasons *prometheus.CounterVec
	ToggleDenials   *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec

	ReviewsSubmitted  prometheus.Counter
	CardRecoveries    prometheus.Counter
	OptimizerRuns     *prometheus.CounterVec
	IdempotencyReplay prometheus.Counter

	ScheduleLatency prometheus.Histogram
}

// New registers all collectors against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "cache_hits_total",
			Help:      "Cache hits by key domain.",
		}, []string{"domain"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "cache_misses_total",
			Help:      "Cache misses by key domain.",
		}, []string{"domain"}),
		ChainSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "chain_selected_total",
			Help:      "Provider chain selections by chain id.",
		}, []string{"chain"}),
		FallbackReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "recommendation_fallbacks_total",
			Help:      "Scheduler-only fallbacks by reason.",
		}, []string{"reason"}),
		ToggleDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "toggle_denials_total",
			Help:      "Toggle gate denials by reason.",
		}, []string{"reason"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "provider_calls_total",
			Help:      "Provider invocations by node and outcome.",
		}, []string{"node", "outcome"}),
		ReviewsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "reviews_submitted_total",
			Help:      "Successfully persisted review submissions.",
		}),
		CardRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "card_recoveries_total",
			Help:      "Cards with corrupt scheduling state reset to defaults.",
		}),
		OptimizerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "optimizer_runs_total",
			Help:      "Parameter optimizer runs by outcome.",
		}, []string{"outcome"}),
		IdempotencyReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codetop",
			Name:      "idempotency_replays_total",
			Help:      "Write requests answered from a stored idempotency result.",
		}),
		ScheduleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codetop",
			Name:      "schedule_latency_seconds",
			Help:      "Latency of a single scheduling computation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.ChainSelected, m.FallbackReasons, m.ToggleDenials, m.ProviderCalls,
		m.ReviewsSubmitted, m.CardRecoveries, m.OptimizerRuns, m.IdempotencyReplay,
		m.ScheduleLatency,
	)
	return m
}

// NewForTest returns a bundle on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
