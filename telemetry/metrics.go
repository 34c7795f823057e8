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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/shery7378/multifront-sub002"
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
	requestsTotal            metric.Int64Counter
	responseBytesTotal       metric.Int64Counter
	requestDuration          metric.Float64Histogram
	requestsByPartitionTotal metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	storageOpDuration metric.Float64Histogram
	storageOpsTotal   metric.Int64Counter

	// Sync engine metrics
	syncRunsTotal    metric.Int64Counter
	syncActionsTotal metric.Int64Counter
	syncRunDuration  metric.Float64Histogram
	pendingActions   metric.Int64Gauge

	partitionsEvictedTotal metric.Int64Counter

	prunerDeletedTotal metric.Int64Counter
	prunerDuration     metric.Float64Histogram

	clientMessagesTotal metric.Int64Counter
	connectedClients    metric.Int64Gauge

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
		cfg.ServiceName = "storefront-cache"
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
			otlpmetricgrpc.WithInsecure(),
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

	// Still collect when nothing exports, so instruments stay valid.
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

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newMetrics creates every instrument on the provider's meter.
func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp}
	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"storefront_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.responseBytesTotal, err = meter.Int64Counter(
		"storefront_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"storefront_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.requestsByPartitionTotal, err = meter.Int64Counter(
		"storefront_http_requests_by_partition_total",
		metric.WithDescription("Total number of HTTP requests by cache partition (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheLookupsTotal, err = meter.Int64Counter(
		"storefront_cache_lookups_total",
		metric.WithDescription("Gateway cache lookups by strategy, partition and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"storefront_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchTotal, err = meter.Int64Counter(
		"storefront_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"storefront_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.storageOpDuration, err = meter.Float64Histogram(
		"storefront_storage_op_duration_seconds",
		metric.WithDescription("Duration of local storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.storageOpsTotal, err = meter.Int64Counter(
		"storefront_storage_ops_total",
		metric.WithDescription("Total number of local storage operations"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return nil, err
	}

	m.syncRunsTotal, err = meter.Int64Counter(
		"storefront_sync_runs_total",
		metric.WithDescription("Total offline action sync runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.syncActionsTotal, err = meter.Int64Counter(
		"storefront_sync_actions_total",
		metric.WithDescription("Offline actions replayed, by result"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	m.syncRunDuration, err = meter.Float64Histogram(
		"storefront_sync_run_duration_seconds",
		metric.WithDescription("Duration of offline action sync runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.pendingActions, err = meter.Int64Gauge(
		"storefront_offline_actions_pending",
		metric.WithDescription("Offline actions waiting to be replayed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	m.partitionsEvictedTotal, err = meter.Int64Counter(
		"storefront_partitions_evicted_total",
		metric.WithDescription("Cache partitions deleted on activation"),
		metric.WithUnit("{partition}"),
	)
	if err != nil {
		return nil, err
	}

	m.prunerDeletedTotal, err = meter.Int64Counter(
		"storefront_pruner_deleted_total",
		metric.WithDescription("Completed offline actions deleted by the pruner"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	m.prunerDuration, err = meter.Float64Histogram(
		"storefront_pruner_duration_seconds",
		metric.WithDescription("Duration of pruner cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.clientMessagesTotal, err = meter.Int64Counter(
		"storefront_client_messages_total",
		metric.WithDescription("Messages delivered to connected client windows, by kind"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.connectedClients, err = meter.Int64Gauge(
		"storefront_connected_clients",
		metric.WithDescription("Client windows currently connected"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, err
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
// Strategy, partition and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	strategy := "none"
	cacheResult := string(CacheBypass)
	partition := ""
	if tags != nil {
		if tags.Strategy != "" {
			strategy = tags.Strategy
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		partition = tags.Partition
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {strategy, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Partition names carry the build version, so keep them off the shared metrics.
	if partition != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("strategy", strategy),
			attribute.String("partition", partition),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByPartitionTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordCacheLookup records one gateway cache decision.
func RecordCacheLookup(ctx context.Context, strategy, partition string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("partition", partition),
		attribute.String("result", string(result)),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStorageOp records a local storage operation. store is "localdb" or
// "cachedb".
func RecordStorageOp(ctx context.Context, store, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storageOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storageOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records an upstream fetch request. upstream names the
// remote: "origin" for the storefront, "api" for the action replay client.
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordSyncRun records one sync run. trigger names what started it.
func RecordSyncRun(ctx context.Context, trigger string, synced, failed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	globalMetrics.syncRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.syncRunDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.syncActionsTotal.Add(ctx, int64(synced), metric.WithAttributes(attribute.String("result", "synced")))
	globalMetrics.syncActionsTotal.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
}

// UpdatePendingActions sets the pending offline action gauge.
func UpdatePendingActions(ctx context.Context, pending int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pendingActions.Record(ctx, int64(pending))
}

// RecordPartitionsEvicted records cache partitions deleted by an activation.
func RecordPartitionsEvicted(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.partitionsEvictedTotal.Add(ctx, int64(n))
}

// RecordPrunerCycle records one pruner cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordPrunerCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prunerDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.prunerDuration.Record(ctx, duration.Seconds())
}

// RecordClientMessage records messages of kind delivered to client windows.
func RecordClientMessage(ctx context.Context, kind string, delivered int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.clientMessagesTotal.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("kind", kind)))
}

// UpdateConnectedClients sets the connected client window gauge.
func UpdateConnectedClients(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.connectedClients.Record(ctx, int64(n))
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
