package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	transferTotal       *prometheus.CounterVec
	transferDuration    *prometheus.HistogramVec
	transferBytes       *prometheus.CounterVec
	transferErrors      *prometheus.CounterVec
	transferRetries     *prometheus.CounterVec
	chunksTotal         *prometheus.CounterVec
	cryptoOperations    *prometheus.CounterVec
	cryptoDuration      *prometheus.HistogramVec
	cryptoErrors        *prometheus.CounterVec
	cryptoBytes         *prometheus.CounterVec
	keyOperations       *prometheus.CounterVec
	verificationsTotal  *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		transferTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_transfers_total",
				Help: "Total number of upload and download operations",
			},
			[]string{"operation", "backend"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seal_transfer_duration_seconds",
				Help:    "Upload and download duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_transfer_bytes_total",
				Help: "Total bytes uploaded and downloaded",
			},
			[]string{"operation"},
		),
		transferErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_transfer_errors_total",
				Help: "Total number of transfer errors",
			},
			[]string{"operation", "error_kind"},
		),
		transferRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_transfer_retries_total",
				Help: "Total number of transfer retry attempts",
			},
			[]string{"operation"},
		),
		chunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_chunks_total",
				Help: "Total number of chunks transferred",
			},
			[]string{"operation"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_crypto_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seal_crypto_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_crypto_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_kind"},
		),
		cryptoBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_crypto_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		keyOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_key_operations_total",
				Help: "Total number of key management operations",
			},
			[]string{"operation"}, // generate, derive, rotate, compromise, backup, restore
		),
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seal_verifications_total",
				Help: "Total number of blob verification probes",
			},
			[]string{"result"}, // ok, missing, error
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordTransfer records a completed upload or download.
func (m *Metrics) RecordTransfer(operation, backend string, duration time.Duration, bytes int64, chunks int) {
	m.transferTotal.WithLabelValues(operation, backend).Inc()
	m.transferDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
	m.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	m.chunksTotal.WithLabelValues(operation).Add(float64(chunks))
}

// RecordTransferError records a failed transfer by error kind.
func (m *Metrics) RecordTransferError(operation, errorKind string) {
	m.transferErrors.WithLabelValues(operation, errorKind).Inc()
}

// RecordTransferRetry records one retry attempt.
func (m *Metrics) RecordTransferRetry(operation string) {
	m.transferRetries.WithLabelValues(operation).Inc()
}

// RecordCryptoOperation records an encryption operation metric.
func (m *Metrics) RecordCryptoOperation(operation string, duration time.Duration, bytes int64) {
	m.cryptoOperations.WithLabelValues(operation).Inc()
	m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.cryptoBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCryptoError records an encryption operation error.
func (m *Metrics) RecordCryptoError(operation, errorKind string) {
	m.cryptoErrors.WithLabelValues(operation, errorKind).Inc()
}

// RecordKeyOperation records a key management operation.
func (m *Metrics) RecordKeyOperation(operation string) {
	m.keyOperations.WithLabelValues(operation).Inc()
}

// RecordVerification records one blob verification probe.
func (m *Metrics) RecordVerification(result string) {
	m.verificationsTotal.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
