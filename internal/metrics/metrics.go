// Package metrics holds the Prometheus collectors shared by the detector,
// the worker and the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageDuration observes each detection stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_stage_duration_seconds",
			Help:    "Duration of detection pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// ClaimsScored counts scored claims by risk band.
	ClaimsScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_claims_scored_total",
			Help: "Total number of claims scored",
		},
		[]string{"band"},
	)

	// FlagsRaised counts triggered flags by name.
	FlagsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_flags_raised_total",
			Help: "Total number of fraud flags raised",
		},
		[]string{"flag"},
	)

	// Runs counts detection runs by final status.
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_runs_total",
			Help: "Total number of detection runs",
		},
		[]string{"status"},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTPDuration observes API request latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
)
