// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_queue_operations_total",
			Help: "Queue operations by operation, service point and outcome",
		},
		[]string{"operation", "service_point", "outcome"},
	)

	WaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patient_queue_wait_seconds",
			Help:    "Time from enqueue to first call",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
		[]string{"service_point"},
	)

	ActiveCalls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patient_queue_active_calls",
			Help: "Entries currently called or being served",
		},
		[]string{"service_point"},
	)

	WaitingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patient_queue_waiting_entries",
			Help: "Entries waiting to be called",
		},
		[]string{"service_point"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_queue_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patient_queue_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RealtimeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patient_queue_realtime_sessions",
			Help: "Open realtime display sessions",
		},
	)
)

// Outcome labels for QueueOperations.
const (
	OutcomeOK          = "ok"
	OutcomeRejected    = "rejected"
	OutcomeEmpty       = "empty"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// ServicePointUnknown labels operations whose entry could not be resolved.
const ServicePointUnknown = "unknown"
