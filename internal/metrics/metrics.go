package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lab manager metrics collectors
var (
	// Authentication

	AuthRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmanager_auth_requests_total",
			Help: "Total number of authentication requests",
		},
		[]string{"status", "kind"},
	)

	// Agent fleet

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmanager_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
		[]string{"status"},
	)

	MachinesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labmanager_machines_total",
			Help: "Number of registered machines by status",
		},
		[]string{"status"},
	)

	// Reservations

	AllocationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmanager_allocations_created_total",
			Help: "Total number of reservations created",
		},
		[]string{"kind", "status"},
	)

	AllocationRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmanager_allocation_rejections_total",
			Help: "Total number of refused reservation attempts",
		},
		[]string{"code"},
	)

	// Telemetry pipeline

	TelemetrySamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labmanager_telemetry_samples_total",
			Help: "Total number of telemetry samples accepted",
		},
	)

	TelemetryDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labmanager_telemetry_discarded_total",
			Help: "Total number of telemetry samples discarded for lack of an active reservation",
		},
	)

	TelemetryFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmanager_telemetry_flushes_total",
			Help: "Total number of telemetry buffer flushes",
		},
		[]string{"status"},
	)

	TelemetryBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "labmanager_telemetry_buffer_depth",
			Help: "Samples currently waiting in the telemetry buffer",
		},
	)

	// HTTP

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labmanager_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labmanager_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)
