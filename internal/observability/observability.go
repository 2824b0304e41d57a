// Package observability wires structured logging and Prometheus metrics.
package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redress_submissions_processed_total",
		Help: "Submissions driven to a terminal or waiting state.",
	}, []string{"pathway", "outcome"})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redress_delivery_jobs_enqueued_total",
		Help: "Delivery jobs persisted to the queue.",
	}, []string{"job_type"})

	JobsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redress_delivery_jobs_resolved_total",
		Help: "Delivery job outcomes per drain.",
	}, []string{"job_type", "outcome"}) // outcome: sent, retried, dead

	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "redress_queue_drain_duration_seconds",
		Help:    "Duration of one queue drain pass.",
		Buckets: prometheus.DefBuckets,
	})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redress_circuit_open",
		Help: "1 while the named operation's circuit is open.",
	}, []string{"operation"})

	ProviderServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redress_text_provider_served_total",
		Help: "Which provider served a generation request.",
	}, []string{"provider"})
)

// NewLogger creates the process-wide structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
