package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	EnableBackendLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config               Config
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestBytes     *prometheus.CounterVec
	archiveOperationsTotal    *prometheus.CounterVec
	archiveOperationDuration  *prometheus.HistogramVec
	archiveOperationErrors    *prometheus.CounterVec
	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	rotatedReads         *prometheus.CounterVec
	bufferPoolHits       prometheus.Gauge
	bufferPoolMisses     prometheus.Gauge
	activeConnections    prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
	janitorReapsTotal    *prometheus.CounterVec
	janitorReapErrors    *prometheus.CounterVec
	janitorTickDuration  prometheus.Histogram
	governorRSSBytes     prometheus.Gauge
	governorBand         *prometheus.GaugeVec
	chaptersMaterialized *prometheus.CounterVec
	materializerRuns     prometheus.Histogram
	streamedBytes        *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableBackendLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableBackendLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
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
		archiveOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_operations_total",
				Help: "Total number of archive mirror operations",
			},
			[]string{"operation", "backend"},
		),
		archiveOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_operation_duration_seconds",
				Help:    "Archive mirror operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		archiveOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_operation_errors_total",
				Help: "Total number of archive mirror operation errors",
			},
			[]string{"operation", "backend", "error_type"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_rotated_reads_total",
				Help: "Total number of decryption operations using rotated (non-active) key versions",
			},
			[]string{"key_version", "active_version"},
		),
		bufferPoolHits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "buffer_pool_hits",
				Help: "Cumulative buffer pool hits, republished by the system collector",
			},
		),
		bufferPoolMisses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "buffer_pool_misses",
				Help: "Cumulative buffer pool misses, republished by the system collector",
			},
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
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
		janitorReapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "janitor_reaps_total",
				Help: "Total number of filesystem/row entries reclaimed by the janitor, by category",
			},
			[]string{"category"},
		),
		janitorReapErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "janitor_reap_errors_total",
				Help: "Total number of janitor reap attempts that failed, by category",
			},
			[]string{"category"},
		),
		janitorTickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "janitor_tick_duration_seconds",
				Help:    "Duration of a single janitor sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
		governorRSSBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_rss_bytes",
				Help: "Resident set size as last sampled by the memory governor",
			},
		),
		governorBand: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_band",
				Help: "Memory governor band indicator (the current band reads 1, all others 0)",
			},
			[]string{"band"},
		),
		chaptersMaterialized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chapters_materialized_total",
				Help: "Chapters processed by the materializer, by outcome",
			},
			[]string{"outcome"},
		),
		materializerRuns: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "materializer_run_duration_seconds",
				Help:    "Wall-clock duration of one whole-file materialization run",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		streamedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamed_bytes_total",
				Help: "Decrypted bytes served to clients, by resource kind",
			},
			[]string{"kind"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// incTraced increments counter, attaching the request's trace id as
// an exemplar when one is in flight.
func incTraced(ctx context.Context, counter prometheus.Counter) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := counter.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}
	counter.Inc()
}

// observeTraced is incTraced for histograms.
func observeTraced(ctx context.Context, histogram prometheus.Observer, value float64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := histogram.(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(value, exemplar)
			return
		}
	}
	histogram.Observe(value)
}

// RecordHTTPRequest records one request against the collapsed path
// label, with byte volume tracked separately (no exemplars there).
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	incTraced(ctx, m.httpRequestsTotal.With(labels))
	observeTraced(ctx, m.httpRequestDuration.With(labels), duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
// Examples:
// "/metrics" => "/metrics"
// "/resource/segment/long/path" => "/resource/*"
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	// Trim query if any (defensive; callers typically pass Path only)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	// Split into segments
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordArchiveOperation records an archive mirror operation. The
// backend label collapses to "*" when per-backend cardinality is
// disabled in config.
func (m *Metrics) RecordArchiveOperation(ctx context.Context, operation, backend string, duration time.Duration) {
	backendLabel := m.backendLabel(backend)
	incTraced(ctx, m.archiveOperationsTotal.WithLabelValues(operation, backendLabel))
	observeTraced(ctx, m.archiveOperationDuration.WithLabelValues(operation, backendLabel), duration.Seconds())
}

// RecordArchiveError records an archive mirror operation error.
func (m *Metrics) RecordArchiveError(ctx context.Context, operation, backend, errorType string) {
	incTraced(ctx, m.archiveOperationErrors.WithLabelValues(operation, m.backendLabel(backend), errorType))
}

func (m *Metrics) backendLabel(backend string) string {
	if !m.config.EnableBackendLabel {
		return "*"
	}
	return backend
}

// RecordEncryptionOperation records one envelope seal or open
// ("encrypt"/"decrypt") with its duration and byte volume.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	incTraced(ctx, m.encryptionOperations.WithLabelValues(operation))
	observeTraced(ctx, m.encryptionDuration.WithLabelValues(operation), duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an envelope operation error.
func (m *Metrics) RecordEncryptionError(ctx context.Context, operation, errorType string) {
	incTraced(ctx, m.encryptionErrors.WithLabelValues(operation, errorType))
}

// RecordRotatedRead counts a decrypt whose DEK was wrapped under a
// non-active key version, the signal that old artifacts still lean on
// a rotated-out wrapping key.
func (m *Metrics) RecordRotatedRead(ctx context.Context, keyVersion, activeVersion int) {
	incTraced(ctx, m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)))
}

// SetBufferPoolStats republishes the crypto buffer pool's cumulative
// hit/miss counters.
func (m *Metrics) SetBufferPoolStats(hits, misses int64) {
	m.bufferPoolHits.Set(float64(hits))
	m.bufferPoolMisses.Set(float64(misses))
}

// RecordJanitorReap records one successfully reclaimed entry (a stale
// upload session, a temp file, an orphaned chapter ciphertext, etc.)
// under the given category.
func (m *Metrics) RecordJanitorReap(category string, count int) {
	m.janitorReapsTotal.WithLabelValues(category).Add(float64(count))
}

// RecordJanitorReapError records a reap attempt that failed for the
// given category, distinct from RecordJanitorReap so dashboards can
// alert on a rising error rate without it being masked by successes.
func (m *Metrics) RecordJanitorReapError(category string) {
	m.janitorReapErrors.WithLabelValues(category).Inc()
}

// RecordJanitorTick records the wall-clock duration of one full sweep.
func (m *Metrics) RecordJanitorTick(duration time.Duration) {
	m.janitorTickDuration.Observe(duration.Seconds())
}

// RecordGovernorSample publishes the latest RSS reading and flips the
// band indicator so dashboards can plot band transitions directly.
func (m *Metrics) RecordGovernorSample(rssBytes int64, band string) {
	m.governorRSSBytes.Set(float64(rssBytes))
	for _, b := range []string{"safe", "caution", "warning", "critical"} {
		v := 0.0
		if b == band {
			v = 1.0
		}
		m.governorBand.WithLabelValues(b).Set(v)
	}
}

// RecordChapterMaterialized counts one chapter finishing the
// materialization pipeline with the given outcome ("ready"/"failed").
func (m *Metrics) RecordChapterMaterialized(outcome string) {
	m.chaptersMaterialized.WithLabelValues(outcome).Inc()
}

// RecordMaterializationRun records the duration of a whole run.
func (m *Metrics) RecordMaterializationRun(duration time.Duration) {
	m.materializerRuns.Observe(duration.Seconds())
}

// RecordStreamedBytes counts decrypted bytes written to a client for
// the given resource kind ("master"/"chapter").
func (m *Metrics) RecordStreamedBytes(kind string, n int64) {
	m.streamedBytes.WithLabelValues(kind).Add(float64(n))
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

// StartSystemMetricsCollector periodically refreshes the system-level
// gauges until ctx is cancelled. poolStats, when non-nil, supplies the
// crypto buffer pool's cumulative hit/miss counts.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, poolStats func() (hits, misses int64)) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
				if poolStats != nil {
					m.SetBufferPoolStats(poolStats())
				}
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
