// Package metrics exposes Prometheus collectors for the query engine.
// Collectors are registered on the default registry at package load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts engine requests by resource and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_requests_total",
		Help: "Engine requests by resource and outcome.",
	}, []string{"resource", "outcome"})

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trellis_request_duration_seconds",
		Help:    "End-to-end request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource"})

	// QueriesTotal counts backend queries by driver type.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_datasource_queries_total",
		Help: "Backend queries by driver type.",
	}, []string{"type"})

	// QueryErrors counts failed backend queries by driver type.
	QueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_datasource_query_errors_total",
		Help: "Failed backend queries by driver type.",
	}, []string{"type"})

	// QueryDuration tracks backend query latency by driver type.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trellis_datasource_query_duration_seconds",
		Help:    "Backend query latency by driver type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// QueriesInFlight gauges currently running backend queries.
	QueriesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trellis_datasource_queries_in_flight",
		Help: "Currently running backend queries.",
	})
)
