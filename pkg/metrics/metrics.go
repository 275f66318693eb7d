package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_resolutions_total",
			Help: "Total number of recipient resolutions by match level (count)",
		},
		[]string{"match"},
	)

	ResolutionsDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routing_resolutions_degraded_total",
			Help: "Resolutions that fell back to bounce because the rule store was unreachable (count)",
		},
	)

	EnrichmentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envelope_enrichment_duration_ms",
			Help:    "Time to enrich one inbound event in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatches_total",
			Help: "Action groups dispatched to downstream topics (count)",
		},
		[]string{"action", "status"},
	)

	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_gate_decisions_total",
			Help: "Verdict gate outcomes (count)",
		},
		[]string{"decision"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Delivery attempts by outcome (count)",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_ms",
			Help:    "Time of one delivery attempt in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"outcome"},
	)

	QueueEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_queue_enqueued_total",
			Help: "Messages placed on the retry queue (count)",
		},
	)

	QueueDrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_drains_total",
			Help: "Drain passes by outcome (count)",
		},
		[]string{"outcome"},
	)

	QueueMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_messages_total",
			Help: "Queued message terminal transitions (count)",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retry_queue_depth",
			Help: "Pending messages per identity at last drain (count)",
		},
		[]string{"identity"},
	)

	CredentialAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_alerts_total",
			Help: "Credential expiry alerts emitted by tier (count)",
		},
		[]string{"tier"},
	)

	CredentialRenewalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credential_renewals_total",
			Help: "Credential renewals (count)",
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "In-process retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Messages dead-lettered by the broker consumer (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	InboundDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_duplicates_total",
			Help: "Redelivered inbound events skipped by the idempotency guard (count)",
		},
	)
)

func RegisterRouterMetrics() {
	prometheus.MustRegister(
		ResolutionsTotal,
		ResolutionsDegradedTotal,
		EnrichmentDuration,
		DispatchesTotal,
		GateDecisionsTotal,
		InboundDuplicatesTotal,
	)
}

func RegisterDeliveryMetrics() {
	prometheus.MustRegister(
		DeliveriesTotal,
		DeliveryDuration,
		QueueEnqueuedTotal,
		QueueMessagesTotal,
	)
}

func RegisterQueueMetrics() {
	prometheus.MustRegister(
		QueueDrainsTotal,
		QueueDepth,
	)
}

func RegisterCredentialMetrics() {
	prometheus.MustRegister(
		CredentialAlertsTotal,
		CredentialRenewalsTotal,
	)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(
		RetryAttemptsTotal,
		DLQMessagesTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func RegisterRateLimitMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func ObserveEnrichmentDuration(d time.Duration, status string) {
	EnrichmentDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func ObserveDeliveryDuration(d time.Duration, outcome string) {
	DeliveryDuration.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}
