// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncPasses counts reconciler passes by outcome ("completed", "aborted").
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fernweh",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Reconciler passes by outcome.",
	}, []string{"outcome"})

	// MutationsCommitted counts queue entries confirmed by the remote service.
	MutationsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fernweh",
		Subsystem: "sync",
		Name:      "mutations_committed_total",
		Help:      "Queue entries confirmed by the remote service.",
	}, []string{"operation"})

	// MutationsFailed counts terminal failures by kind ("permanent", "conflict").
	MutationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fernweh",
		Subsystem: "sync",
		Name:      "mutations_failed_total",
		Help:      "Queue entries that ended a pass unsuccessfully.",
	}, []string{"kind"})

	// Retries counts transient failures that were rescheduled.
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fernweh",
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Transient failures rescheduled with backoff.",
	})

	// QueueDepth is the number of entries awaiting sync.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fernweh",
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Entries awaiting sync (pending or in flight).",
	})

	// PassDuration observes how long reconciler passes take.
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fernweh",
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Reconciler pass duration.",
		Buckets:   prometheus.DefBuckets,
	})

	// Online reports the debounced connectivity state (1 online, 0 offline).
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fernweh",
		Subsystem: "netmon",
		Name:      "online",
		Help:      "Debounced connectivity state.",
	})
)
