// Package metrics holds the Prometheus instruments for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_webhooks_received_total",
			Help: "Inbound webhooks accepted, by provider and event type",
		},
		[]string{"provider", "event"},
	)

	WebhooksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_webhooks_rejected_total",
			Help: "Inbound webhooks rejected before acknowledgment",
		},
		[]string{"provider", "reason"},
	)

	WebhooksDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_webhooks_duplicate_total",
			Help: "Redelivered webhooks skipped by the delivery log",
		},
		[]string{"provider"},
	)

	Enrollments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_enrollments_total",
			Help: "Enrollment outcomes (created, updated, failed)",
		},
		[]string{"outcome"},
	)

	EnrollmentAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_enrollment_attempts",
			Help:    "Upsert attempts consumed per enrollment",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	EnrollmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_enrollment_duration_seconds",
			Help:    "Wall-clock duration of enrollments",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_upstream_requests_total",
			Help: "Outbound API calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_notifications_total",
			Help: "Discord notifications by outcome (sent, failed, skipped)",
		},
		[]string{"outcome"},
	)

	ContactCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_contact_cache_total",
			Help: "Contact cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	TouchpointUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_touchpoint_updates_total",
			Help: "Touchpoint increments by outcome",
		},
		[]string{"outcome"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_tasks_in_flight",
			Help: "Background webhook tasks currently running",
		},
	)

	TaskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_task_failures_total",
			Help: "Background webhook tasks that returned an error or panicked",
		},
		[]string{"task"},
	)
)
