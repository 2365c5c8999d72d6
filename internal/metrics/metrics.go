package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the drip engine
type Metrics struct {
	// Mailing counters
	MailingsSentTotal     *prometheus.CounterVec
	MailingsSkippedTotal  *prometheus.CounterVec
	MailingsHeldTotal     *prometheus.CounterVec
	MailingsEnqueuedTotal *prometheus.CounterVec
	DeliveryErrorsTotal   *prometheus.CounterVec
	RateLimitedTotal      *prometheus.CounterVec

	// Subscription lifecycle
	SubscriptionEventsTotal *prometheus.CounterVec

	// Sweeps
	SweepDurationSeconds *prometheus.HistogramVec
	SweepErrorsTotal     *prometheus.CounterVec
	SweepSkippedTotal    *prometheus.CounterVec

	// Delivery jobs
	JobsTotal      *prometheus.CounterVec
	JobQueueSize   prometheus.Gauge
	JobQueueDead   prometheus.Gauge
	JobQueueOldest prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MailingsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_mailings_sent_total",
				Help: "Total number of mailings marked sent",
			},
			[]string{"campaign"},
		),
		MailingsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_mailings_skipped_total",
				Help: "Total number of mailings marked skipped",
			},
			[]string{"campaign"},
		),
		MailingsHeldTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_mailings_held_total",
				Help: "Total number of due mailings left pending by their drip",
			},
			[]string{"campaign"},
		),
		MailingsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_mailings_enqueued_total",
				Help: "Total number of mailings handed to the delivery job queue",
			},
			[]string{"campaign"},
		),
		DeliveryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_delivery_errors_total",
				Help: "Total number of errors raised while delivering mailings",
			},
			[]string{"campaign", "kind"},
		),

		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_rate_limited_total",
				Help: "Total number of sends denied by a rate limit",
			},
			[]string{"level"},
		),
		SubscriptionEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_subscription_events_total",
				Help: "Total number of subscription state changes",
			},
			[]string{"campaign", "event"},
		),

		SweepDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drip_sweep_duration_seconds",
				Help:    "Duration of one campaign sweep in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"campaign"},
		),
		SweepErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_sweep_errors_total",
				Help: "Total number of campaign sweeps that ended with an error",
			},
			[]string{"campaign"},
		),
		SweepSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_sweep_skipped_total",
				Help: "Total number of campaign sweeps skipped because another sweep held the lock",
			},
			[]string{"campaign"},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_jobs_total",
				Help: "Total number of delivery jobs by outcome",
			},
			[]string{"status"},
		),
		JobQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_job_queue_size",
				Help: "Number of delivery jobs waiting to run",
			},
		),
		JobQueueDead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_job_queue_dead",
				Help: "Number of delivery jobs in the dead letter queue",
			},
		),
		JobQueueOldest: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_job_queue_oldest_seconds",
				Help: "Age of the oldest waiting delivery job in seconds",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drip_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MailingsSentTotal,
		m.MailingsSkippedTotal,
		m.MailingsHeldTotal,
		m.MailingsEnqueuedTotal,
		m.DeliveryErrorsTotal,
		m.RateLimitedTotal,
		m.SubscriptionEventsTotal,
		m.SweepDurationSeconds,
		m.SweepErrorsTotal,
		m.SweepSkippedTotal,
		m.JobsTotal,
		m.JobQueueSize,
		m.JobQueueDead,
		m.JobQueueOldest,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// counters maps metric names to the counter vectors the collector persists
func (m *Metrics) counters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"drip_mailings_sent_total":       m.MailingsSentTotal,
		"drip_mailings_skipped_total":    m.MailingsSkippedTotal,
		"drip_mailings_held_total":       m.MailingsHeldTotal,
		"drip_mailings_enqueued_total":   m.MailingsEnqueuedTotal,
		"drip_delivery_errors_total":     m.DeliveryErrorsTotal,
		"drip_rate_limited_total":        m.RateLimitedTotal,
		"drip_subscription_events_total": m.SubscriptionEventsTotal,
		"drip_sweep_errors_total":        m.SweepErrorsTotal,
		"drip_sweep_skipped_total":       m.SweepSkippedTotal,
		"drip_jobs_total":                m.JobsTotal,
		"drip_api_requests_total":        m.APIRequestsTotal,
		"drip_api_errors_total":          m.APIErrorsTotal,
	}
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMailingsSent increments the sent mailing counter
func IncMailingsSent(campaign string) {
	m := Global()
	if m != nil {
		m.MailingsSentTotal.WithLabelValues(campaign).Inc()
	}
}

// IncMailingsSkipped increments the skipped mailing counter
func IncMailingsSkipped(campaign string) {
	m := Global()
	if m != nil {
		m.MailingsSkippedTotal.WithLabelValues(campaign).Inc()
	}
}

// IncMailingsHeld increments the held mailing counter
func IncMailingsHeld(campaign string) {
	m := Global()
	if m != nil {
		m.MailingsHeldTotal.WithLabelValues(campaign).Inc()
	}
}

// IncMailingsEnqueued increments the enqueued mailing counter
func IncMailingsEnqueued(campaign string) {
	m := Global()
	if m != nil {
		m.MailingsEnqueuedTotal.WithLabelValues(campaign).Inc()
	}
}

// IncDeliveryErrors increments the delivery error counter
func IncDeliveryErrors(campaign, kind string) {
	m := Global()
	if m != nil {
		m.DeliveryErrorsTotal.WithLabelValues(campaign, kind).Inc()
	}
}

// IncSubscriptionEvent increments the subscription event counter
func IncSubscriptionEvent(campaign, event string) {
	m := Global()
	if m != nil {
		m.SubscriptionEventsTotal.WithLabelValues(campaign, event).Inc()
	}
}

// ObserveSweepDuration records the duration of a campaign sweep
func ObserveSweepDuration(campaign string, seconds float64) {
	m := Global()
	if m != nil {
		m.SweepDurationSeconds.WithLabelValues(campaign).Observe(seconds)
	}
}

// IncSweepErrors increments the failed sweep counter
func IncSweepErrors(campaign string) {
	m := Global()
	if m != nil {
		m.SweepErrorsTotal.WithLabelValues(campaign).Inc()
	}
}

// IncSweepSkipped increments the lock contention counter
func IncSweepSkipped(campaign string) {
	m := Global()
	if m != nil {
		m.SweepSkippedTotal.WithLabelValues(campaign).Inc()
	}
}

// IncRateLimited increments the rate limited send counter
func IncRateLimited(level string) {
	m := Global()
	if m != nil {
		m.RateLimitedTotal.WithLabelValues(level).Inc()
	}
}

// IncJobs increments the delivery job counter
func IncJobs(status string) {
	m := Global()
	if m != nil {
		m.JobsTotal.WithLabelValues(status).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
