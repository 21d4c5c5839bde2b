package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewloop_jobs_total",
			Help: "Total number of job processing attempts by outcome",
		},
		[]string{"workflow_type", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewloop_stage_duration_seconds",
			Help:    "Pipeline stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"workflow_type", "stage"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewloop_queue_depth",
			Help: "Number of jobs in PENDING status",
		},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewloop_jobs_in_flight",
			Help: "Number of inbox messages currently claimed",
		},
	)

	OutboxBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewloop_outbox_backlog",
			Help: "Number of outbox rows not yet published",
		},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewloop_publish_failures_total",
			Help: "Total number of failed broker publishes",
		},
		[]string{"topic"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewloop_messages_published_total",
			Help: "Total number of outbox messages published to the broker",
		},
		[]string{"routing_key"},
	)

	DuplicatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewloop_duplicates_dropped_total",
			Help: "Total number of duplicate deliveries dropped by the inbox",
		},
		[]string{"consumer"},
	)

	EventsBuffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reviewloop_events_buffered_total",
			Help: "Total number of stage-completed events parked in the event buffer",
		},
	)

	JobsResumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewloop_jobs_resumed_total",
			Help: "Total number of jobs resumed by incoming stage events",
		},
		[]string{"event_type"},
	)
)
