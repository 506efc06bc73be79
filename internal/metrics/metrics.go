// Package metrics provides Prometheus metrics for the backgrounder worker.
// It tracks enqueueing, delivery outcomes, handler latency and retry delays.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "backgrounder"
)

// Delivery results used as the "result" label.
const (
	ResultCompleted    = "completed"
	ResultRescheduled  = "rescheduled"
	ResultDeadLettered = "dead_lettered"
	ResultNotFound     = "not_found"
	ResultFault        = "transport_fault"
)

// Enqueue metrics track the producer side.
var (
	// OperationsEnqueuedTotal counts operations published to the queue.
	OperationsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Total number of operations published to the queue",
		},
		[]string{"signature"},
	)

	// EnqueueFailuresTotal counts operations that could not be published.
	EnqueueFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Total number of operations that failed to publish",
		},
		[]string{"reason"}, // reason: encode, publish
	)

	// QueuePublishLatency measures time to publish a message to the queue.
	QueuePublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_publish_latency_seconds",
			Help:      "Time to publish a message to the queue in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)
)

// Dispatch metrics track the consumer side.
var (
	// DeliveriesTotal counts deliveries by outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of deliveries processed, by result",
		},
		[]string{"result"},
	)

	// HandlerDuration measures time spent inside operation handlers.
	HandlerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent executing an operation handler in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// RetryDelay tracks the delays computed for rescheduled operations.
	RetryDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Delay before a failed operation is redelivered in seconds",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// QueueLatency measures time from first enqueue to a completed delivery.
	QueueLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Time from enqueue to successful completion in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 300},
		},
	)

	// InFlight tracks the number of deliveries currently being processed.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Current number of deliveries being processed",
		},
	)
)

// Relay metrics track delayed-message relays of the redis and kafka brokers.
var (
	// RelayedTotal counts delayed messages moved onto the ready queue.
	RelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Total number of delayed messages made ready",
		},
		[]string{"broker"},
	)

	// StorageOperationLatency measures latency of storage operations.
	StorageOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_latency_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"store", "operation"}, // store: postgres, redis
	)
)
