// Package monitoring exposes the Prometheus metric set for the vault.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. One instance per process;
// promauto registers against the default registry.
type Metrics struct {
	// Verification pipeline
	VerificationsTotal *prometheus.CounterVec // labels: protocol, status

	// Outbound deliveries
	DeliveriesTotal  *prometheus.CounterVec // labels: event_type, outcome (success, retry, dead)
	DeliveryDuration *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge

	// Inbound ACP webhooks
	InboundEventsTotal *prometheus.CounterVec // labels: event_type, outcome

	// Lifecycle workers
	WorkerIterations *prometheus.CounterVec // labels: worker
	WorkerFailures   *prometheus.CounterVec // labels: worker
	WorkerBatchSize  *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		VerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_verifications_total",
				Help: "Verification pipeline outcomes by protocol and status",
			},
			[]string{"protocol", "status"},
		),
		DeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_webhook_deliveries_total",
				Help: "Outbound webhook delivery outcomes",
			},
			[]string{"event_type", "outcome"},
		),
		DeliveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_webhook_delivery_duration_seconds",
				Help:    "Duration of outbound webhook POSTs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vault_webhook_queue_depth",
				Help: "Delivery jobs waiting in the in-process queue",
			},
		),
		InboundEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_inbound_acp_events_total",
				Help: "Inbound ACP webhook outcomes",
			},
			[]string{"event_type", "outcome"},
		),
		WorkerIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_worker_iterations_total",
				Help: "Completed lifecycle worker iterations",
			},
			[]string{"worker"},
		),
		WorkerFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_worker_failures_total",
				Help: "Lifecycle worker iterations that logged an error",
			},
			[]string{"worker"},
		),
		WorkerBatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_worker_batch_size",
				Help:    "Rows handled per worker iteration",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 250, 500},
			},
			[]string{"worker"},
		),
	}
}
