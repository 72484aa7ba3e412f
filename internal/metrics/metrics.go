package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestAttempts counts transport attempts made by the executor.
	RequestAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_request_attempts_total",
			Help: "Total number of transport attempts",
		},
		[]string{"method", "outcome"},
	)

	// RequestRetries counts retries scheduled after a retryable failure.
	RequestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_request_retries_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"method"},
	)

	// CacheLookups counts response cache lookups by result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_cache_lookups_total",
			Help: "Total number of response cache lookups",
		},
		[]string{"result"},
	)

	// FallbacksTotal counts fallback attempts by option and outcome.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_fallbacks_total",
			Help: "Total number of fallback attempts",
		},
		[]string{"option", "outcome"},
	)

	// ErrorsCaptured counts failures seen by the aggregator.
	ErrorsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_errors_captured_total",
			Help: "Total number of captured errors",
		},
		[]string{"type", "severity"},
	)

	// ReportDecisions counts rate governor decisions.
	ReportDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_report_decisions_total",
			Help: "Rate governor decisions",
		},
		[]string{"decision"},
	)

	// QueueDropped counts records discarded on queue overflow.
	QueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_queue_dropped_total",
			Help: "Records dropped because a queue was full",
		},
		[]string{"queue"},
	)

	// QueueDepth tracks the current length of each queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_queue_depth",
			Help: "Current number of queued records",
		},
		[]string{"queue"},
	)

	// ShipperBatches counts delivered and failed telemetry batches.
	ShipperBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_shipper_batches_total",
			Help: "Telemetry batches by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	// ShipperLatency tracks blocking delivery latency.
	ShipperLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardian_shipper_latency_seconds",
			Help:    "Telemetry delivery latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PrunedEntries counts expired state removed by background pruners.
	PrunedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_pruned_entries_total",
			Help: "Expired entries removed by pruners",
		},
		[]string{"target"},
	)
)
