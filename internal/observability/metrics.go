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

// Metrics stores Prometheus collectors used by the API and slice flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	batchesEnqueuedTotal  prometheus.Counter
	batchesCompletedTotal prometheus.Counter
	urlsEnqueuedTotal     prometheus.Counter
	urlsProcessedTotal    *prometheus.CounterVec
	analyzeDuration       prometheus.Histogram
	slicesInFlight        prometheus.Gauge
	backlogRetriesTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scanqueue",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scanqueue",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scanqueue",
				Name:      "batches_enqueued_total",
				Help:      "Total number of scan batches accepted.",
			},
		),
		batchesCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scanqueue",
				Name:      "batches_completed_total",
				Help:      "Total number of scan batches that reached completed state.",
			},
		),
		urlsEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scanqueue",
				Name:      "urls_enqueued_total",
				Help:      "Total number of URLs submitted across all batches.",
			},
		),
		urlsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scanqueue",
				Name:      "urls_processed_total",
				Help:      "Total number of URL units of work resolved, by outcome.",
			},
			[]string{"outcome"},
		),
		analyzeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "scanqueue",
				Name:      "analyze_duration_seconds",
				Help:      "External analyze call duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		slicesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scanqueue",
				Name:      "slices_inflight",
				Help:      "Current number of slice invocations doing work.",
			},
		),
		backlogRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scanqueue",
				Name:      "backlog_retries_total",
				Help:      "Total number of backlog entries rescheduled for retry.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesEnqueuedTotal,
		m.batchesCompletedTotal,
		m.urlsEnqueuedTotal,
		m.urlsProcessedTotal,
		m.analyzeDuration,
		m.slicesInFlight,
		m.backlogRetriesTotal,
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

func (m *Metrics) IncBatchEnqueued() {
	if m == nil {
		return
	}
	m.batchesEnqueuedTotal.Inc()
}

func (m *Metrics) IncBatchCompleted() {
	if m == nil {
		return
	}
	m.batchesCompletedTotal.Inc()
}

func (m *Metrics) AddURLsEnqueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.urlsEnqueuedTotal.Add(float64(n))
}

func (m *Metrics) IncURLProcessed(outcome string) {
	if m == nil {
		return
	}
	outcomeLabel := strings.TrimSpace(strings.ToLower(outcome))
	if outcomeLabel == "" {
		outcomeLabel = "unknown"
	}
	m.urlsProcessedTotal.WithLabelValues(outcomeLabel).Inc()
}

func (m *Metrics) ObserveAnalyzeDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.analyzeDuration.Observe(seconds)
}

func (m *Metrics) IncSliceInFlight() {
	if m == nil {
		return
	}
	m.slicesInFlight.Inc()
}

func (m *Metrics) DecSliceInFlight() {
	if m == nil {
		return
	}
	m.slicesInFlight.Dec()
}

func (m *Metrics) IncBacklogRetryScheduled() {
	if m == nil {
		return
	}
	m.backlogRetriesTotal.Inc()
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
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}
