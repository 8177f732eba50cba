package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Payment metrics
	PaymentsInitiatedTotal *prometheus.CounterVec
	PaymentsResolvedTotal  *prometheus.CounterVec
	WebhookEventsTotal     *prometheus.CounterVec
	CreditDaysGrantedTotal prometheus.Counter

	// Credit metrics
	UsageChargesTotal *prometheus.CounterVec
	AccessDeniedTotal prometheus.Counter

	// FX metrics
	FxRateLookupsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kilekitabu"
	}

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		// Payment metrics
		PaymentsInitiatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "initiated_total",
				Help:      "Total number of payments initiated",
			},
			[]string{"provider"},
		),
		PaymentsResolvedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "resolved_total",
				Help:      "Total number of payments resolved to a terminal status",
			},
			[]string{"provider", "status"},
		),
		WebhookEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "webhook_events_total",
				Help:      "Total number of provider webhook deliveries by outcome",
			},
			[]string{"provider", "outcome"},
		),
		CreditDaysGrantedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "credit_days_granted_total",
				Help:      "Total number of credit days granted from completed payments",
			},
		),

		// Credit metrics
		UsageChargesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credit",
				Name:      "usage_charges_total",
				Help:      "Total number of usage recordings by result",
			},
			[]string{"result"}, // charged, trial, already_charged, payment_day, monthly_cap
		),
		AccessDeniedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credit",
				Name:      "access_denied_total",
				Help:      "Total number of usage recordings denied for lack of credit",
			},
		),

		// FX metrics
		FxRateLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fx",
				Name:      "rate_lookups_total",
				Help:      "Total number of FX rate lookups by source",
			},
			[]string{"source"}, // cache, open_er_api, exchangerate_host, fallback
		),

		// Cache metrics
		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
	}
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := statusCodeToString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPaymentInitiated records a newly created payment record.
func (m *Metrics) RecordPaymentInitiated(provider string) {
	m.PaymentsInitiatedTotal.WithLabelValues(provider).Inc()
}

// RecordPaymentResolved records a payment reaching a terminal status.
func (m *Metrics) RecordPaymentResolved(provider, status string) {
	m.PaymentsResolvedTotal.WithLabelValues(provider, status).Inc()
}

// RecordWebhookEvent records a webhook delivery and how it was handled.
func (m *Metrics) RecordWebhookEvent(provider, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordCreditDaysGranted records credit days granted from a payment.
func (m *Metrics) RecordCreditDaysGranted(days int) {
	if days > 0 {
		m.CreditDaysGrantedTotal.Add(float64(days))
	}
}

// RecordUsageCharge records a usage recording by result.
func (m *Metrics) RecordUsageCharge(result string) {
	m.UsageChargesTotal.WithLabelValues(result).Inc()
}

// RecordAccessDenied records a usage recording denied for lack of credit.
func (m *Metrics) RecordAccessDenied() {
	m.AccessDeniedTotal.Inc()
}

// RecordFxLookup records where an FX rate was served from.
func (m *Metrics) RecordFxLookup(source string) {
	m.FxRateLookupsTotal.WithLabelValues(source).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
