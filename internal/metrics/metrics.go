// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_requests_total",
			Help: "Total number of text generation calls",
		},
		[]string{"backend", "operation", "status"}, // status: ok, error, schema_violation, timeout
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "Duration of text generation calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_requests_total",
			Help: "Total number of similarity searches",
		},
		[]string{"status"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events by outcome",
		},
		[]string{"outcome"}, // processed, ignored, self_authored, duplicate, invalid, failed
	)

	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_persisted_total",
			Help: "Messages written to chat rooms",
		},
		[]string{"author"}, // user, virtual_user
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_failures_total",
			Help: "Failed writes by orchestration step",
		},
		[]string{"operation"},
	)
)
