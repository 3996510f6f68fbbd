// Package metrics declares the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTPConnectionsTotal counts inbound connections by outcome
	// (accepted, rejected).
	SMTPConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Inbound SMTP connections by admission outcome",
		},
		[]string{"outcome"},
	)

	// SMTPRejectionsTotal counts command-level policy rejections by check.
	SMTPRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "smtp",
			Name:      "rejections_total",
			Help:      "SMTP policy rejections by check (allow_list, trusted_relay, rate_limit, sender_domain, recipient_domain, auth_results, queue_full, parse)",
		},
		[]string{"check"},
	)

	// EmailsAcceptedTotal counts messages that completed DATA and were
	// persisted as tasks.
	EmailsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "smtp",
			Name:      "emails_accepted_total",
			Help:      "Messages accepted and enqueued for webhook delivery",
		},
	)
)

var (
	// TasksPending tracks tasks waiting in the dispatcher.
	TasksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "tasks_pending",
			Help:      "Tasks currently queued or in flight in the dispatcher",
		},
	)

	// WebhookDeliveriesTotal counts individual webhook POSTs by outcome
	// (success, failure).
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook POST attempts by outcome",
		},
		[]string{"outcome"},
	)

	// WebhookDeliveryDuration measures webhook POST latency.
	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Webhook POST duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// TaskRetriesTotal counts in-worker delivery retries.
	TaskRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "task_retries_total",
			Help:      "In-worker delivery retry attempts",
		},
	)
)

var (
	// AttachmentStoresTotal counts attachment saves by backend
	// (s3, local, skipped, failed).
	AttachmentStoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "storage",
			Name:      "attachment_stores_total",
			Help:      "Attachment store operations by resulting backend",
		},
		[]string{"backend"},
	)

	// LocalFallbackDepth tracks files waiting for reconciliation into the
	// object store.
	LocalFallbackDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailhook",
			Subsystem: "storage",
			Name:      "local_fallback_depth",
			Help:      "Locally staged attachments awaiting upload to the object store",
		},
	)

	// ReconcilerUploadsTotal counts reconciler drain attempts by outcome
	// (success, failure, dropped).
	ReconcilerUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "storage",
			Name:      "reconciler_uploads_total",
			Help:      "Reconciler upload attempts by outcome",
		},
		[]string{"outcome"},
	)
)
