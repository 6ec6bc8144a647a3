package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/feature-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	detectTotal         metric.Int64Counter
	imageSizeBytes      metric.Float64Histogram
	extractionsTotal    metric.Int64Counter
	extractionDuration  metric.Float64Histogram
	extractionKeypoints metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	cacheEntries    metric.Int64Gauge
	cacheBytes      metric.Int64Gauge
	inflightJobs    metric.Int64Gauge
	inflightWaiters metric.Int64Gauge
	poolQueueDepth  metric.Int64Gauge
	poolActive      metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "feature-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"feature_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"feature_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"feature_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	detectTotal, err := meter.Int64Counter(
		"feature_cache_detect_total",
		metric.WithDescription("Total number of detect operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	imageSizeBytes, err := meter.Float64Histogram(
		"feature_cache_image_size_bytes",
		metric.WithDescription("Size of uploaded images"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	)
	if err != nil {
		return err
	}

	extractionsTotal, err := meter.Int64Counter(
		"feature_cache_extractions_total",
		metric.WithDescription("Total number of extraction jobs run"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	extractionDuration, err := meter.Float64Histogram(
		"feature_cache_extraction_duration_seconds",
		metric.WithDescription("Duration of extraction jobs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	extractionKeypoints, err := meter.Float64Histogram(
		"feature_cache_extraction_keypoints",
		metric.WithDescription("Number of keypoints produced per extraction"),
		metric.WithUnit("{keypoint}"),
		metric.WithExplicitBucketBoundaries(0, 16, 64, 128, 256, 512, 1024, 2048, 4096),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"feature_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of cache backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"feature_cache_backend_requests_total",
		metric.WithDescription("Total number of cache backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"feature_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in cache backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"feature_cache_cache_entries",
		metric.WithDescription("Live entries in the in-memory result cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheBytes, err := meter.Int64Gauge(
		"feature_cache_cache_bytes",
		metric.WithDescription("Estimated byte footprint of the in-memory result cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	inflightJobs, err := meter.Int64Gauge(
		"feature_cache_inflight_jobs",
		metric.WithDescription("Extraction jobs currently executing or coalesced"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	inflightWaiters, err := meter.Int64Gauge(
		"feature_cache_inflight_waiters",
		metric.WithDescription("Callers currently waiting on a coalesced job"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return err
	}

	poolQueueDepth, err := meter.Int64Gauge(
		"feature_cache_pool_queue_depth",
		metric.WithDescription("Jobs waiting in the worker pool queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	poolActive, err := meter.Int64Gauge(
		"feature_cache_pool_active_workers",
		metric.WithDescription("Workers currently running a job"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:          requestsTotal,
		responseBytesTotal:     responseBytesTotal,
		requestDuration:        requestDuration,
		detectTotal:            detectTotal,
		imageSizeBytes:         imageSizeBytes,
		extractionsTotal:       extractionsTotal,
		extractionDuration:     extractionDuration,
		extractionKeypoints:    extractionKeypoints,
		backendRequestDuration: backendRequestDuration,
		backendRequestsTotal:   backendRequestsTotal,
		backendBytesTotal:      backendBytesTotal,
		cacheEntries:           cacheEntries,
		cacheBytes:             cacheBytes,
		inflightJobs:           inflightJobs,
		inflightWaiters:        inflightWaiters,
		poolQueueDepth:         poolQueueDepth,
		poolActive:             poolActive,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// The cache result is read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)
	cacheResult := string(CacheNA)
	if tags != nil && tags.CacheResult != "" {
		cacheResult = string(tags.CacheResult)
	}

	attrs := []attribute.KeyValue{
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDetect records one detect operation and the size of its input.
// outcome is "ok", "invalid", "busy" or "error".
func RecordDetect(ctx context.Context, outcome string, cacheResult CacheResult, imageSize int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
		attribute.String("cache_result", string(cacheResult)),
	}
	globalMetrics.detectTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if imageSize > 0 {
		globalMetrics.imageSizeBytes.Record(ctx, float64(imageSize), metric.WithAttributes(attrs...))
	}
}

// RecordExtraction records one completed extraction job.
// outcome is "success" or "error".
func RecordExtraction(ctx context.Context, outcome string, duration time.Duration, keypoints int) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.extractionsTotal.Add(ctx, 1, attrs)
	globalMetrics.extractionDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" {
		globalMetrics.extractionKeypoints.Record(ctx, float64(keypoints), attrs)
	}
}

// RecordBackendOp records cache backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// UpdateCacheState updates the in-memory cache gauges.
func UpdateCacheState(ctx context.Context, entries, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, entries)
	globalMetrics.cacheBytes.Record(ctx, bytes)
}

// UpdatePipelineState updates the coalescer and worker pool gauges.
// Called synchronously at the end of each detect operation.
func UpdatePipelineState(ctx context.Context, inflight, waiters int64, queueDepth, active int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.inflightJobs.Record(ctx, inflight)
	globalMetrics.inflightWaiters.Record(ctx, waiters)
	globalMetrics.poolQueueDepth.Record(ctx, queueDepth)
	globalMetrics.poolActive.Record(ctx, active)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
