// Package observability wires tracing and the domain Prometheus collectors.
//
// HTTP traffic is measured by middleware.Metrics; this file covers what the
// HTTP layer cannot see: gateway outcomes, idempotent replays, retries,
// content fallbacks, job terminations, open progress streams and hold
// settlements. Label values are drawn from small closed sets.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// PaymentOps counts gateway operations by op (charge, authorize, capture,
	// release, verify, complete_verification) and result (ok or an error kind).
	PaymentOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_operations_total",
			Help: "Payment gateway operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// PaymentLatency records gateway round trips in seconds.
	PaymentLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"op"},
	)

	// IdempotentReplays counts requests answered from a stored outcome.
	IdempotentReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Requests answered from a stored idempotency record.",
		},
		[]string{"scope"},
	)

	// RetryAttempts counts failed attempts that were followed by a retry.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Failed attempts that were retried, by policy name.",
		},
		[]string{"policy"},
	)

	// ContentFallbacks counts sections rendered with fallback text.
	ContentFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "content_fallback_sections_total",
			Help: "Report sections that fell back to placeholder text.",
		},
	)

	// JobsFinished counts jobs reaching a terminal status.
	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_jobs_finished_total",
			Help: "Fulfillment jobs by terminal status.",
		},
		[]string{"status"},
	)

	// JobDuration records time from job creation to termination.
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fulfillment_job_duration_seconds",
			Help:    "Duration of fulfillment jobs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// ActiveStreams gauges open progress subscriptions.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "progress_streams_active",
			Help: "Currently open job progress subscriptions.",
		},
	)

	// Settlements counts hold settlements by action (capture, release) and result.
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hold_settlements_total",
			Help: "Authorization hold settlements by action and result.",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentOps, PaymentLatency, IdempotentReplays, RetryAttempts,
		ContentFallbacks, JobsFinished, JobDuration, ActiveStreams, Settlements,
	)
}

// ResultLabel turns an error kind into a metric label; nil errors are "ok".
func ResultLabel(kind string, err error) string {
	if err == nil {
		return "ok"
	}
	if kind == "" {
		return "error"
	}
	return kind
}
