// Package metrics defines the Prometheus instrumentation for CareLoop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClassificationsTotal counts safety classifications by tier and source.
	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careloop_safety_classifications_total",
		Help: "Safety classifications by risk tier and classifier source.",
	}, []string{"tier", "source"})

	// TransitionsTotal counts committed state transitions by edge.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careloop_state_transitions_total",
		Help: "Committed dialogue state transitions by from and to state.",
	}, []string{"from", "to"})

	// GateOutcomesTotal counts generation gate outcomes.
	GateOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careloop_gate_outcomes_total",
		Help: "Generation gate outcomes (ok, retry, fallback, static).",
	}, []string{"outcome"})

	// BreakerOpensTotal counts circuit breaker open events.
	BreakerOpensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careloop_breaker_opens_total",
		Help: "Times the generator circuit breaker opened.",
	})

	// ActiveLocks tracks per-user locks currently held in memory.
	ActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "careloop_active_user_locks",
		Help: "Per-user pipeline locks currently resident.",
	})
)
