// Package metrics holds the Prometheus collectors of the dialogue manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recdm_turns_total",
			Help: "Total number of handled turns by final system act",
		},
		[]string{"act"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recdm_turn_duration_seconds",
			Help:    "Duration of one dialogue turn in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resolver metrics
	ResolverRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recdm_resolver_requests_total",
			Help: "Total number of resolver calls",
		},
		[]string{"outcome"}, // "ok", "cache_hit", "timeout", "open", "error"
	)

	ResolverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recdm_resolver_duration_seconds",
			Help:    "Duration of resolver calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recdm_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Dialogue metrics
	Relaxations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recdm_relaxations_total",
			Help: "Total number of constraint relaxations",
		},
	)

	Conflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recdm_constraint_conflicts_total",
			Help: "Total number of held-back conflicting updates",
		},
	)

	SessionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recdm_session_version_conflicts_total",
			Help: "Total number of optimistic version conflicts on session save",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recdm_sessions_closed_total",
			Help: "Total number of closed sessions by reason",
		},
		[]string{"reason"},
	)

	// Gateway metrics
	GatewayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recdm_gateway_queue_depth",
			Help: "Current number of queued inbound turns",
		},
	)

	SessionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recdm_sessions_pruned_total",
			Help: "Total number of idle sessions pruned",
		},
	)
)

// RecordTurn records one handled turn.
func RecordTurn(act string, duration time.Duration) {
	TurnsTotal.WithLabelValues(act).Inc()
	TurnDuration.Observe(duration.Seconds())
}

// RecordResolverCall records one resolver call.
func RecordResolverCall(outcome string, duration time.Duration) {
	ResolverRequests.WithLabelValues(outcome).Inc()
	if outcome != "cache_hit" {
		ResolverDuration.Observe(duration.Seconds())
	}
}

// RecordBreakerState maps a breaker state name to the gauge value.
func RecordBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}

func RecordSessionClosed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	SessionsClosed.WithLabelValues(reason).Inc()
}
