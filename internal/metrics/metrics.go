package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LastProcessedSlot is the highest epoch-boundary slot fully processed.
	LastProcessedSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "validators_monitor",
		Name:      "last_processed_slot",
		Help:      "Highest finalized slot fully processed by the pipeline.",
	})

	// BeaconRequestDuration observes consensus API call latency per endpoint
	// role and outcome.
	BeaconRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "validators_monitor",
		Name:      "beacon_request_duration_seconds",
		Help:      "Consensus-layer API request durations.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"endpoint", "outcome"})

	// SummariesWritten counts validator summary rows persisted.
	SummariesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "validators_monitor",
		Name:      "summaries_written_total",
		Help:      "Validator duty summary rows written to storage.",
	})

	// AlertsFired counts delivered alerts per rule.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "validators_monitor",
		Name:      "alerts_fired_total",
		Help:      "Alerts successfully delivered, per rule.",
	}, []string{"alertname"})

	// PipelineFailures counts cycle-fatal pipeline errors (the cycle is
	// retried for the same target slot).
	PipelineFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "validators_monitor",
		Name:      "pipeline_failures_total",
		Help:      "Pipeline cycles that failed and were retried.",
	})
)
