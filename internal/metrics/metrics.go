// Package metrics holds the Prometheus collectors shared by the watch loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bazel_compose"

// Build record outcomes.
const (
	OutcomeSkipped   = "skipped"
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeMalformed = "malformed"
)

// Cycle results.
const (
	ResultNoop          = "noop"
	ResultRedeployed    = "redeployed"
	ResultRetagFailed   = "retag_failed"
	ResultPolicyDenied  = "policy_denied"
	ResultPersistFailed = "persist_failed"
	ResultRestartFailed = "restart_failed"
)

var (
	// BuildRecords counts builder profile records by outcome.
	BuildRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "build_records_total",
		Help:      "Builder profile records by outcome",
	}, []string{"outcome"})

	FingerprintUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fingerprint_unavailable_total",
		Help:      "Digest artifacts that could not be read while diffing a build",
	})

	// Cycles counts reconciliation cycles by result.
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_cycles_total",
		Help:      "Reconciliation cycles by result",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_cycle_duration_seconds",
		Help:      "Reconciliation cycle duration",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	RetagDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retag_duration_seconds",
		Help:      "Duration of a single target retag",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	ServicesRestarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "services_restarted_total",
		Help:      "Services included in successful scoped restarts",
	})
)
