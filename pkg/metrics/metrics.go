package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks the total throughput of the webhook worker
	// Labels allow filtering by outcome (processed/failed/invalid) and object type
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grist_sync_events_processed_total",
		Help: "Total number of webhook events processed by the worker",
	}, []string{"status", "object_type"})

	// EventDuration measures the end-to-end latency of one event, from
	// delivery to the last Grist write across all enabled configurations
	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grist_sync_event_duration_seconds",
		Help:    "Time taken to process a webhook event across all configurations",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status", "object_type"})

	// GristRequests counts calls to the Grist API by HTTP method and status code
	// A growing non-2xx series is the first sign of credential or quota trouble
	GristRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grist_sync_api_requests_total",
		Help: "Total number of requests issued to the Grist API",
	}, []string{"method", "status"})

	// PopulateBatchSize tracks the number of rows written per batch during
	// full table population
	PopulateBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grist_sync_populate_batch_size",
		Help:    "Number of records written per batch during table population",
		Buckets: []float64{1, 10, 25, 50, 100},
	})

	// PopulateDuration measures a whole population run for one configuration
	PopulateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grist_sync_populate_duration_seconds",
		Help:    "Duration of a full table population run in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900},
	})

	// HealthStatus provides a binary 0/1 signal for the service's health
	// 1 = Healthy, 0 = Unhealthy (Connection to RabbitMQ is down)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grist_sync_healthy",
		Help: "Current health status of the service (1 for healthy, 0 for unhealthy)",
	})

	// EventBacklog tracks the number of pending webhook events in Postgres
	// This is the primary indicator of system lag
	EventBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grist_sync_event_backlog",
		Help: "Current number of pending webhook events",
	})
)
