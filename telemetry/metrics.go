// Package telemetry provides OpenTelemetry metrics for the tile storage
// core: backend operation counters, index cache and index store outcomes,
// registry and catalog gauges, and admin HTTP metrics.
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
	meterName = "github.com/geopyramid/tilestore"
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
	storageRequestsTotal   metric.Int64Counter
	storageRequestDuration metric.Float64Histogram
	storageBytesTotal      metric.Int64Counter

	registryAcquiresTotal metric.Int64Counter
	registryContexts      metric.Int64Gauge

	cacheLookupsTotal   metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter
	cacheEntries        metric.Int64Gauge

	storeLookupsTotal  metric.Int64Counter
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	catalogEntities      metric.Int64Gauge
	catalogTrashEntities metric.Int64Gauge
	catalogLoadsTotal    metric.Int64Counter
	catalogLoadDuration  metric.Float64Histogram

	tileReadsTotal   metric.Int64Counter
	tileReadDuration metric.Float64Histogram

	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

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
		cfg.ServiceName = "tilestore"
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

	// If no exporters configured, use a no-op periodic reader to still
	// collect metrics.
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

	m, err := newInstruments(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newInstruments creates every instrument on the given meter.
func newInstruments(meter metric.Meter) (*Metrics, error) {
	storageRequestsTotal, err := meter.Int64Counter(
		"tilestore_storage_requests_total",
		metric.WithDescription("Total number of storage backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	storageRequestDuration, err := meter.Float64Histogram(
		"tilestore_storage_request_duration_seconds",
		metric.WithDescription("Duration of storage backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	storageBytesTotal, err := meter.Int64Counter(
		"tilestore_storage_bytes_total",
		metric.WithDescription("Total bytes transferred in storage backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	registryAcquiresTotal, err := meter.Int64Counter(
		"tilestore_registry_acquires_total",
		metric.WithDescription("Total context registry acquisitions"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, err
	}

	registryContexts, err := meter.Int64Gauge(
		"tilestore_registry_contexts",
		metric.WithDescription("Current number of registered storage contexts"),
		metric.WithUnit("{context}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"tilestore_index_cache_lookups_total",
		metric.WithDescription("Total index cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"tilestore_index_cache_evictions_total",
		metric.WithDescription("Total index cache evictions by reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	cacheEntries, err := meter.Int64Gauge(
		"tilestore_index_cache_entries",
		metric.WithDescription("Current number of index cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	storeLookupsTotal, err := meter.Int64Counter(
		"tilestore_index_store_lookups_total",
		metric.WithDescription("Total persistent index store lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"tilestore_index_store_reaped_total",
		metric.WithDescription("Total stale entries deleted from the index store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	reaperDuration, err := meter.Float64Histogram(
		"tilestore_index_store_reap_duration_seconds",
		metric.WithDescription("Duration of index store reap cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	catalogEntities, err := meter.Int64Gauge(
		"tilestore_catalog_entities",
		metric.WithDescription("Current live entities per catalog"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	catalogTrashEntities, err := meter.Int64Gauge(
		"tilestore_catalog_trash_entities",
		metric.WithDescription("Superseded entities awaiting an explicit flush per catalog"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	catalogLoadsTotal, err := meter.Int64Counter(
		"tilestore_catalog_loads_total",
		metric.WithDescription("Total catalog load attempts by outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, err
	}

	catalogLoadDuration, err := meter.Float64Histogram(
		"tilestore_catalog_load_duration_seconds",
		metric.WithDescription("Duration of catalog loads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	tileReadsTotal, err := meter.Int64Counter(
		"tilestore_tile_reads_total",
		metric.WithDescription("Total tile reads by index source and outcome"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, err
	}

	tileReadDuration, err := meter.Float64Histogram(
		"tilestore_tile_read_duration_seconds",
		metric.WithDescription("Duration of tile reads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"tilestore_http_requests_total",
		metric.WithDescription("Total number of admin HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"tilestore_http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		storageRequestsTotal:   storageRequestsTotal,
		storageRequestDuration: storageRequestDuration,
		storageBytesTotal:      storageBytesTotal,
		registryAcquiresTotal:  registryAcquiresTotal,
		registryContexts:       registryContexts,
		cacheLookupsTotal:      cacheLookupsTotal,
		cacheEvictionsTotal:    cacheEvictionsTotal,
		cacheEntries:           cacheEntries,
		storeLookupsTotal:      storeLookupsTotal,
		reaperDeletedTotal:     reaperDeletedTotal,
		reaperDuration:         reaperDuration,
		catalogEntities:        catalogEntities,
		catalogTrashEntities:   catalogTrashEntities,
		catalogLoadsTotal:      catalogLoadsTotal,
		catalogLoadDuration:    catalogLoadDuration,
		tileReadsTotal:         tileReadsTotal,
		tileReadDuration:       tileReadDuration,
		requestsTotal:          requestsTotal,
		requestDuration:        requestDuration,
	}, nil
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

// RecordStorageOp records one storage backend operation.
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

// RecordRegistryAcquire records one registry acquisition.
// outcome is "hit", "miss", or "error".
func RecordRegistryAcquire(ctx context.Context, backend, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	}
	globalMetrics.registryAcquiresTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SetStorageContexts updates the registered-contexts gauge.
func SetStorageContexts(n int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.registryContexts.Record(context.Background(), n)
}

// RecordCacheLookup records one index cache lookup.
// result is "hit", "miss", or "expired".
func RecordCacheLookup(result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheEvictions records n index cache evictions.
// reason is "capacity", "expired", or "flush".
func RecordCacheEvictions(reason string, n int64) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(context.Background(), n,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// SetCacheEntries updates the index cache entries gauge.
func SetCacheEntries(n int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(context.Background(), n)
}

// RecordStoreLookup records one persistent index store lookup.
// result is "hit", "miss", "expired", or "error".
func RecordStoreLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordReapCycle records one index store reap cycle.
func RecordReapCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// RecordCatalogLoad records one catalog load attempt.
// outcome is "success" or "error".
func RecordCatalogLoad(ctx context.Context, catalog, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("catalog", catalog),
		attribute.String("outcome", outcome),
	}
	globalMetrics.catalogLoadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.catalogLoadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// SetCatalogEntities updates the live and trash entity gauges for a catalog.
func SetCatalogEntities(catalog string, live, trash int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("catalog", catalog))
	globalMetrics.catalogEntities.Record(context.Background(), live, attrs)
	globalMetrics.catalogTrashEntities.Record(context.Background(), trash, attrs)
}

// RecordTileRead records one tile read.
// source is "cache", "store", or "backend"; outcome is "success",
// "not_found", or "error".
func RecordTileRead(ctx context.Context, source, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.tileReadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.tileReadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordHTTP records admin HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, route string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
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
