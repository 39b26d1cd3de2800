// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobrunner/tessera/internal/ports/output"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	gatherer prometheus.Gatherer

	indexRuns        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	files            *prometheus.CounterVec
	granulesInserted *prometheus.CounterVec
	catalogSize      *prometheus.GaugeVec

	readRequests     *prometheus.CounterVec
	granulesResolved *prometheus.HistogramVec
	readDuration     *prometheus.HistogramVec

	storageOperations *prometheus.CounterVec
	storageDuration   *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ output.MetricsCollector = (*Collector)(nil)

// NewCollector creates a Prometheus collector registered with reg. A nil
// registry uses the default registerer.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = "tessera"
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Collector{
		gatherer: gatherer,

		indexRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_runs_total",
				Help:      "Total number of indexing runs by outcome",
			},
			[]string{"outcome"},
		),

		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_run_duration_seconds",
				Help:      "Indexing run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		),

		files: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_files_total",
				Help:      "Total number of files visited while indexing",
			},
			[]string{"outcome"},
		),

		granulesInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "granules_inserted_total",
				Help:      "Total number of granules written to the catalog",
			},
			[]string{"coverage"},
		),

		catalogSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_granules",
				Help:      "Number of granules in a coverage",
			},
			[]string{"coverage"},
		),

		readRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reads_total",
				Help:      "Total number of mosaic reads",
			},
			[]string{"coverage", "outcome"},
		),

		granulesResolved: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "read_granules",
				Help:      "Granules selected by a mosaic read",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"coverage"},
		),

		readDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "read_duration_seconds",
				Help:      "Mosaic read duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"coverage"},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncIndexRuns implements output.MetricsCollector.
func (c *Collector) IncIndexRuns(outcome string) {
	c.indexRuns.WithLabelValues(outcome).Inc()
}

// ObserveRunDuration implements output.MetricsCollector.
func (c *Collector) ObserveRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// IncFiles implements output.MetricsCollector.
func (c *Collector) IncFiles(outcome string) {
	c.files.WithLabelValues(outcome).Inc()
}

// AddGranulesInserted implements output.MetricsCollector.
func (c *Collector) AddGranulesInserted(coverage string, n int) {
	c.granulesInserted.WithLabelValues(coverage).Add(float64(n))
}

// SetCatalogSize implements output.MetricsCollector.
func (c *Collector) SetCatalogSize(coverage string, n int64) {
	c.catalogSize.WithLabelValues(coverage).Set(float64(n))
}

// IncReadRequests implements output.MetricsCollector.
func (c *Collector) IncReadRequests(coverage, outcome string) {
	c.readRequests.WithLabelValues(coverage, outcome).Inc()
}

// ObserveGranulesResolved implements output.MetricsCollector.
func (c *Collector) ObserveGranulesResolved(coverage string, n int) {
	c.granulesResolved.WithLabelValues(coverage).Observe(float64(n))
}

// ObserveReadDuration implements output.MetricsCollector.
func (c *Collector) ObserveReadDuration(coverage string, duration time.Duration) {
	c.readDuration.WithLabelValues(coverage).Observe(duration.Seconds())
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.storageOperations.WithLabelValues(operation, status).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := routePath(r)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// routePath labels a request by its route template so coverage names do
// not multiply the series.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
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
		return strconv.Itoa(code)
	}
}
