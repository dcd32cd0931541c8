// SPDX-License-Identifier: MIT

// Package metrics exposes the prometheus instrumentation shared across the
// reconciliation engine's components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by source (closed=1, half-open=1, open=1; others 0)",
	}, []string{"source", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"source"})

	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Name:      "quota_remaining",
		Help:      "Remaining request quota for a source in the current period",
	}, []string{"source"})

	quotaExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "quota_exceeded_total",
		Help:      "Total number of QuotaExceeded rejections",
	}, []string{"source"})

	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "cache_hits_total",
		Help:      "Cache get() calls that returned a live entry",
	}, []string{"kind"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "cache_misses_total",
		Help:      "Cache get() calls that found nothing or an expired entry",
	}, []string{"kind"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "decisions_total",
		Help:      "Planner decisions by action",
	}, []string{"action"})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "results_total",
		Help:      "Executor results by success/failure",
	}, []string{"success"})
)

var breakerStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a source.
func SetCircuitBreakerState(source, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		circuitBreakerState.WithLabelValues(source, s).Set(v)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(source string) {
	circuitBreakerTrips.WithLabelValues(source).Inc()
}

// SetQuotaRemaining records the remaining quota for a source.
func SetQuotaRemaining(source string, remaining int) {
	quotaRemaining.WithLabelValues(source).Set(float64(remaining))
}

// RecordQuotaExceeded increments the quota-exhaustion counter for a source.
func RecordQuotaExceeded(source string) {
	quotaExceeded.WithLabelValues(source).Inc()
}

// RecordCacheHit increments the cache hit counter for a kind ("id-mapping" or
// "provider-data").
func RecordCacheHit(kind string) { cacheHits.WithLabelValues(kind).Inc() }

// RecordCacheMiss increments the cache miss counter for a kind.
func RecordCacheMiss(kind string) { cacheMisses.WithLabelValues(kind).Inc() }

// RecordDecision increments the decision counter for an action.
func RecordDecision(action string) { decisionsTotal.WithLabelValues(action).Inc() }

// RecordResult increments the result counter by success/failure.
func RecordResult(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	resultsTotal.WithLabelValues(label).Inc()
}
