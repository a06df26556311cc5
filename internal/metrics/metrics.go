// Package metrics exposes Prometheus instrumentation for the approval engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstancesStarted counts workflow instances created, by entity type.
	InstancesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "instances_started_total",
		Help:      "Workflow instances started, by entity type.",
	}, []string{"entity_type"})

	// Decisions counts decision applications, by outcome.
	// Outcomes: approved, rejected, auto_approved, cancelled.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "decisions_total",
		Help:      "Approval decisions applied, by outcome.",
	}, []string{"outcome"})

	// InstancesCompleted counts terminal instance transitions, by final status.
	InstancesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "instances_completed_total",
		Help:      "Workflow instances reaching a terminal state, by status.",
	}, []string{"status"})

	// Escalations counts escalation events raised by the sweeper.
	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "escalations_total",
		Help:      "Escalation events raised for overdue approval requests.",
	})

	// SweepDuration observes timeout sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "approvals",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of timeout/escalation sweeps.",
		Buckets:   prometheus.DefBuckets,
	})

	// SweepErrors counts per-request failures during sweeps. Failed requests
	// are retried on the next tick.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "approvals",
		Name:      "sweep_errors_total",
		Help:      "Per-request errors during timeout sweeps.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
