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
	meterName = "github.com/wolfeidau/docloader"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	loadsTotal      metric.Int64Counter
	loadDuration    metric.Float64Histogram
	loadBytes       metric.Float64Histogram
	coalescedTotal  metric.Int64Counter
	cacheLookups    metric.Int64Counter
	candidateTotal  metric.Int64Counter
	retriesTotal    metric.Int64Counter
	rendererConfigs metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	storageRequestDuration  metric.Float64Histogram
	storageRequestsTotal    metric.Int64Counter
	storageBytesTotal       metric.Int64Counter

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
		cfg.ServiceName = "docloader"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects the first error from a run of instrument
// constructors so newMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *instruments) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	sizeBuckets    = []float64{1024, 16384, 65536, 262144, 1048576, 4194304, 8388608, 16777216, 33554432}
)

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instruments{meter: meter}
	m := &Metrics{
		requestsTotal: b.counter("docloader_http_requests_total",
			"Total number of HTTP requests", "{request}"),
		responseBytesTotal: b.counter("docloader_http_response_bytes_total",
			"Total bytes sent in HTTP responses", "By"),
		requestDuration: b.histogram("docloader_http_request_duration_seconds",
			"HTTP request duration in seconds", "s",
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
		requestsByEndpointTotal: b.counter("docloader_http_requests_by_endpoint_total",
			"Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		loadsTotal: b.counter("docloader_loads_total",
			"Total document loads by outcome and error kind", "{load}"),
		loadDuration: b.histogram("docloader_load_duration_seconds",
			"Duration of document loads including fallbacks", "s", latencyBuckets...),
		loadBytes: b.histogram("docloader_load_size_bytes",
			"Size of successfully loaded documents", "By", sizeBuckets...),
		coalescedTotal: b.counter("docloader_loads_coalesced_total",
			"Total loads served by joining an in-flight load for the same key", "{load}"),
		cacheLookups: b.counter("docloader_cache_lookups_total",
			"Total cache lookups by cache and result", "{lookup}"),
		candidateTotal: b.counter("docloader_candidate_attempts_total",
			"Total candidate attempts by resolution method and outcome", "{attempt}"),
		retriesTotal: b.counter("docloader_candidate_retries_total",
			"Total in-candidate retries after a network failure", "{retry}"),
		rendererConfigs: b.counter("docloader_renderer_configure_total",
			"Total renderer worker configuration attempts by source and outcome", "{attempt}"),

		upstreamFetchDuration: b.histogram("docloader_upstream_fetch_duration_seconds",
			"Duration of upstream fetch requests", "s", latencyBuckets...),
		upstreamFetchTotal: b.counter("docloader_upstream_fetch_total",
			"Total number of upstream fetch requests", "{request}"),
		upstreamFetchBytesTotal: b.counter("docloader_upstream_fetch_bytes_total",
			"Total bytes fetched from upstream", "By"),
		storageRequestDuration: b.histogram("docloader_storage_request_duration_seconds",
			"Duration of storage service operations", "s",
			0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
		storageRequestsTotal: b.counter("docloader_storage_requests_total",
			"Total number of storage service operations", "{request}"),
		storageBytesTotal: b.counter("docloader_storage_bytes_total",
			"Total bytes transferred in storage service operations", "By"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
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
// Cache result and endpoint are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordLoad records the outcome of one Loader.Load call. errorKind is empty
// on success; source is "cache", "coalesced" or "fetch".
func RecordLoad(ctx context.Context, outcome, errorKind, source string, duration time.Duration, size int64) {
	if globalMetrics == nil {
		return
	}
	if errorKind == "" {
		errorKind = "none"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("error_kind", errorKind),
		attribute.String("source", source),
	)
	globalMetrics.loadsTotal.Add(ctx, 1, attrs)
	globalMetrics.loadDuration.Record(ctx, duration.Seconds(), attrs)
	if size > 0 {
		globalMetrics.loadBytes.Record(ctx, float64(size), metric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordCoalesced records a load that waited on another caller's fetch.
func RecordCoalesced(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.coalescedTotal.Add(ctx, 1)
}

// RecordCacheLookup records a lookup in the named cache.
func RecordCacheLookup(ctx context.Context, cache string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", string(result)),
	))
}

// RecordCandidateAttempt records one attempt against a resolution candidate.
// outcome is "success" or an error kind.
func RecordCandidateAttempt(ctx context.Context, method, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.candidateTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}

// RecordRetry records an in-candidate retry.
func RecordRetry(ctx context.Context, method string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordRendererConfigure records one worker source probe during bootstrap.
func RecordRendererConfigure(ctx context.Context, source, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rendererConfigs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordStorageOp records storage service operation metrics.
func RecordStorageOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storageRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storageRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storageBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
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
