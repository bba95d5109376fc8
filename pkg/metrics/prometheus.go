package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metrics container.
type Metrics struct {
	// HTTP request metrics.
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Cache metrics (CacheBytes outcomes: hit, stale, miss, fresh, timeout).
	CacheLookupsTotal *prometheus.CounterVec
	CacheWaitDuration *prometheus.HistogramVec

	// Compute metrics, one series per service (vector, streamline, volume).
	ComputeDuration     *prometheus.HistogramVec
	ComputeErrorsTotal  *prometheus.CounterVec
	ResponsePointsTotal *prometheus.HistogramVec
	ResponseBytesTotal  *prometheus.HistogramVec

	// bbox-bucket request distribution, see ObservabilityHooks.
	BBoxBucketRequestsTotal *prometheus.CounterVec

	// Catalog/circuit-breaker metrics.
	CatalogQueriesTotal    *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec

	// System metrics.
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Service info.
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes the process-wide metrics container.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		CacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_lookups_total",
				Help:      "Total number of CacheBytes lookups by outcome",
			},
			[]string{"outcome"}, // hit, stale, miss, fresh, timeout
		),

		CacheWaitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_wait_duration_seconds",
				Help:      "Time spent waiting for an in-flight compute to populate the cache",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 15},
			},
			[]string{"service"},
		),

		ComputeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "compute_duration_seconds",
				Help:      "Duration of a fresh compute (grid sampling, RK4 integration, or volume packing)",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"service"}, // vector, streamline, volume
		),

		ComputeErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "compute_errors_total",
				Help:      "Total number of failed compute operations by error kind",
			},
			[]string{"service", "error_code"},
		),

		ResponsePointsTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "response_points_total",
				Help:      "Number of points/vertices in a response",
				Buckets:   []float64{10, 50, 100, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"service"},
		),

		ResponseBytesTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "response_bytes_total",
				Help:      "Size in bytes of an encoded response",
				Buckets:   []float64{1 << 10, 1 << 15, 1 << 18, 1 << 20, 8 << 20, 32 << 20, 64 << 20},
			},
			[]string{"service"},
		),

		BBoxBucketRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bbox_bucket_requests_total",
				Help:      "Total number of requests per coarse bbox bucket",
			},
			[]string{"bucket"},
		),

		CatalogQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "catalog_queries_total",
				Help:      "Total number of catalog DB queries by status",
			},
			[]string{"status"}, // ok, not_found, error
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Catalog circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics container, initializing it with
// default namespace/subsystem if it has not been set up yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("weathercompute", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest records an HTTP request's route, status, and duration.
func (m *Metrics) RecordHTTPRequest(route string, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCacheLookup records a CacheBytes lookup outcome (hit, stale, miss,
// fresh, timeout).
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheWait records time spent blocked behind an in-flight compute.
func (m *Metrics) RecordCacheWait(service string, duration time.Duration) {
	m.CacheWaitDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordCompute records a compute operation's duration and, on failure, its
// error code.
func (m *Metrics) RecordCompute(service string, duration time.Duration, errCode string) {
	m.ComputeDuration.WithLabelValues(service).Observe(duration.Seconds())
	if errCode != "" {
		m.ComputeErrorsTotal.WithLabelValues(service, errCode).Inc()
	}
}

// RecordResponseSize records the point count and byte size of an encoded response.
func (m *Metrics) RecordResponseSize(service string, points int, bytes int) {
	m.ResponsePointsTotal.WithLabelValues(service).Observe(float64(points))
	m.ResponseBytesTotal.WithLabelValues(service).Observe(float64(bytes))
}

// RecordBBoxBucket records a request against its coarse bbox bucket.
func (m *Metrics) RecordBBoxBucket(bucket string) {
	m.BBoxBucketRequestsTotal.WithLabelValues(bucket).Inc()
}

// RecordCatalogQuery records a catalog DB query's outcome.
func (m *Metrics) RecordCatalogQuery(status string) {
	m.CatalogQueriesTotal.WithLabelValues(status).Inc()
}

// SetCircuitBreakerState records the current state of a named circuit breaker.
func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// SetServiceInfo sets the service_info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a dedicated HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write error is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
