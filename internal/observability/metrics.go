package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors for the tracker API and sweeper.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	receiptsStoredTotal    *prometheus.CounterVec
	acknowledgmentsTotal   prometheus.Counter
	failuresTotal          prometheus.Counter
	expirationsTotal       prometheus.Counter
	ackLatency             prometheus.Histogram
	rateLimitRejectedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ack_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ack_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		receiptsStoredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ack_engine",
				Name:      "receipts_stored_total",
				Help:      "Total number of delivery receipts stored grouped by initial status.",
			},
			[]string{"status"},
		),
		acknowledgmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ack_engine",
				Name:      "acknowledgments_total",
				Help:      "Total number of acknowledgments recorded.",
			},
		),
		failuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ack_engine",
				Name:      "delivery_failures_total",
				Help:      "Total number of deliveries marked failed.",
			},
		),
		expirationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ack_engine",
				Name:      "expirations_total",
				Help:      "Total number of receipts flagged expired by sweeps.",
			},
		),
		ackLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ack_engine",
				Name:      "acknowledgment_latency_seconds",
				Help:      "Time between delivery and acknowledgment in seconds.",
				Buckets:   prometheus.ExponentialBuckets(60, 2, 12),
			},
		),
		rateLimitRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ack_engine",
				Name:      "rate_limit_rejected_total",
				Help:      "Total number of acknowledgment requests rejected by the rate limiter.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.receiptsStoredTotal,
		m.acknowledgmentsTotal,
		m.failuresTotal,
		m.expirationsTotal,
		m.ackLatency,
		m.rateLimitRejectedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncReceiptStored(status string) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(strings.ToLower(status))
	if label == "" {
		label = "unknown"
	}
	m.receiptsStoredTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) IncAcknowledged() {
	if m == nil {
		return
	}
	m.acknowledgmentsTotal.Inc()
}

func (m *Metrics) IncFailed() {
	if m == nil {
		return
	}
	m.failuresTotal.Inc()
}

func (m *Metrics) AddExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expirationsTotal.Add(float64(count))
}

func (m *Metrics) ObserveAckLatency(latency time.Duration) {
	if m == nil {
		return
	}
	seconds := latency.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.ackLatency.Observe(seconds)
}

func (m *Metrics) IncRateLimitRejected() {
	if m == nil {
		return
	}
	m.rateLimitRejectedTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return c.Path()
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
	return c.Response().StatusCode()
}
