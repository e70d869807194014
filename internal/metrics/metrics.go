// Package metrics declares the Prometheus collectors of the orchestrator.
// They are exposed on the metrics port by the api server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payouts"

var (
	BatchesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_submitted_total",
		Help:      "Submitted batches by result (accepted, rejected).",
	}, []string{"result"})

	JobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dispatched_total",
		Help:      "Transfer attempts handed to the executor.",
	})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job state transitions by target state.",
	}, []string{"state"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Jobs waiting for a free worker.",
	})

	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transfer_attempt_duration_seconds",
		Help:      "Duration of single rail calls by outcome kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	ComplianceRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compliance_records_total",
		Help:      "Terminal failures recorded in the compliance ledger.",
	}, []string{"category", "severity"})

	ComplianceWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compliance_write_errors_total",
		Help:      "Failed compliance ledger upserts, retried.",
	})

	MonitorEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_evictions_total",
		Help:      "Entries dropped from the error monitor ring buffers.",
	}, []string{"severity"})

	ConfirmationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmations_published_total",
		Help:      "Transfer confirmation events by result (ok, error).",
	}, []string{"result"})
)
