package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox related metrics
	OutboxEventsPublished   prometheus.Counter
	OutboxEventsFailed      prometheus.Counter
	OutboxProcessingLatency prometheus.Histogram
	OutboxPendingDepth      prometheus.Gauge
	OutboxFailedDepth       prometheus.Gauge
	OutboxDeadDepth         prometheus.Gauge
	OutboxRetries           *prometheus.CounterVec

	// Saga metrics
	SagasStarted        prometheus.Counter
	SagasCompleted      prometheus.Counter
	SagasCompensated    prometheus.Counter
	SagasFailed         prometheus.Counter
	SagaStepDuration    *prometheus.HistogramVec
	SagaSweepRecovered  *prometheus.CounterVec
	SagaStatusDepth     *prometheus.GaugeVec

	// Idempotency metrics
	IdempotencyHits      *prometheus.CounterVec
	IdempotencyConflicts prometheus.Counter
	IdempotencySwept     prometheus.Counter

	// Event store metrics
	EventStoreAppends   prometheus.Counter
	EventStoreConflicts prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
	DatabaseLatency    *prometheus.HistogramVec
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		OutboxEventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_published_total",
			Help:      "Total number of outbox events acknowledged by the broker",
		}),
		OutboxEventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_events_failed_total",
			Help:      "Total number of outbox events that exhausted their retries",
		}),
		OutboxProcessingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_processing_duration_seconds",
			Help:      "Time spent publishing a batch of outbox events",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboxPendingDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_pending_depth",
			Help:      "Current number of PENDING outbox events",
		}),
		OutboxFailedDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_failed_depth",
			Help:      "Current number of FAILED outbox events",
		}),
		OutboxDeadDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_dead_depth",
			Help:      "Current number of outbox events past max retries",
		}),
		OutboxRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_retry_attempts_total",
			Help:      "Total number of retry attempts for outbox events",
		}, []string{"event_type"}),

		SagasStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sagas_started_total",
			Help:      "Total number of sagas started",
		}),
		SagasCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sagas_completed_total",
			Help:      "Total number of sagas that completed all forward steps",
		}),
		SagasCompensated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sagas_compensated_total",
			Help:      "Total number of sagas rolled back successfully",
		}),
		SagasFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sagas_failed_total",
			Help:      "Total number of sagas whose compensation failed",
		}),
		SagaStepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_step_duration_seconds",
			Help:      "Duration of saga step executions",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"saga_type", "step"}),
		SagaSweepRecovered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_sweep_recovered_total",
			Help:      "Sagas picked up by the stuck/failed sweeps",
		}, []string{"sweep"}),
		SagaStatusDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "saga_status_depth",
			Help:      "Current number of sagas per status",
		}, []string{"status"}),

		IdempotencyHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idempotency_requests_total",
			Help:      "Idempotency guard outcomes",
		}, []string{"outcome"}),
		IdempotencyConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idempotency_key_reuse_total",
			Help:      "Requests rejected for reusing a key with a different body",
		}),
		IdempotencySwept: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idempotency_records_swept_total",
			Help:      "Expired or stuck idempotency records removed by the sweep",
		}),

		EventStoreAppends: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_store_appends_total",
			Help:      "Total number of event store appends",
		}),
		EventStoreConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_store_version_conflicts_total",
			Help:      "Appends rejected by per-aggregate optimistic concurrency",
		}),

		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		DatabaseLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operation_duration_seconds",
			Help:      "Duration of database operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
	}
}
