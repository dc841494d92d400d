package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod       = "method"
	attrPath         = "path"
	attrStatus       = "status"
	attrOperation    = "operation"
	attrResourceType = "resource_type"
	attrNamespace    = "namespace"
	attrAPIBase      = "api_base"
	attrReason       = "reason"
	attrEventType    = "event_type"
	attrResult       = "result"
)

var durationBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics provides methods for recording observability metrics.
// A zero Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Proxy metrics
	activeUpgrades metric.Int64UpDownCounter

	// Kubernetes API metrics
	k8sOperationsTotal   metric.Int64Counter
	k8sOperationDuration metric.Float64Histogram

	// Object store metrics
	watchEventsTotal  metric.Int64Counter
	storeResyncsTotal metric.Int64Counter

	// kubectl metrics
	kubectlRunsTotal    metric.Int64Counter
	kubectlRunDuration  metric.Float64Histogram
	sessionRefreshTotal metric.Int64Counter
	connectedClusters   metric.Int64UpDownCounter

	// detailedLabels adds namespace and resource_type to Kubernetes operation metrics
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all instruments registered on meter.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.activeUpgrades, err = meter.Int64UpDownCounter(
		"clusterlink_proxy_active_upgrades",
		metric.WithDescription("Number of upgraded connections currently piped by the proxy"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_proxy_active_upgrades gauge: %w", err)
	}

	m.k8sOperationsTotal, err = meter.Int64Counter(
		"clusterlink_kubernetes_operations_total",
		metric.WithDescription("Total number of Kubernetes API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_kubernetes_operations_total counter: %w", err)
	}

	m.k8sOperationDuration, err = meter.Float64Histogram(
		"clusterlink_kubernetes_operation_duration_seconds",
		metric.WithDescription("Kubernetes API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_kubernetes_operation_duration_seconds histogram: %w", err)
	}

	m.watchEventsTotal, err = meter.Int64Counter(
		"clusterlink_store_watch_events_total",
		metric.WithDescription("Total number of watch events applied to object stores"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_store_watch_events_total counter: %w", err)
	}

	m.storeResyncsTotal, err = meter.Int64Counter(
		"clusterlink_store_resyncs_total",
		metric.WithDescription("Total number of object store re-lists after a watch ended"),
		metric.WithUnit("{resync}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_store_resyncs_total counter: %w", err)
	}

	m.kubectlRunsTotal, err = meter.Int64Counter(
		"clusterlink_kubectl_runs_total",
		metric.WithDescription("Total number of kubectl invocations"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_kubectl_runs_total counter: %w", err)
	}

	m.kubectlRunDuration, err = meter.Float64Histogram(
		"clusterlink_kubectl_run_duration_seconds",
		metric.WithDescription("kubectl invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_kubectl_run_duration_seconds histogram: %w", err)
	}

	m.sessionRefreshTotal, err = meter.Int64Counter(
		"clusterlink_session_refresh_total",
		metric.WithDescription("Total number of cluster session refreshes by result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_session_refresh_total counter: %w", err)
	}

	m.connectedClusters, err = meter.Int64UpDownCounter(
		"clusterlink_connected_clusters",
		metric.WithDescription("Number of clusters with an open session"),
		metric.WithUnit("{cluster}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterlink_connected_clusters gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)

	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordK8sOperation records a Kubernetes API operation.
//
// Only operation and status are recorded unless detailed labels are enabled,
// since namespace and resource_type multiply series per cluster.
func (m *Metrics) RecordK8sOperation(ctx context.Context, operation, resourceType, namespace, status string, duration time.Duration) {
	if m == nil || m.k8sOperationsTotal == nil || m.k8sOperationDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels {
		attrs = append(attrs,
			attribute.String(attrResourceType, resourceType),
			attribute.String(attrNamespace, namespace),
		)
	}

	m.k8sOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.k8sOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordWatchEvent counts a watch event applied to the store for apiBase.
func (m *Metrics) RecordWatchEvent(ctx context.Context, apiBase, eventType string) {
	if m == nil || m.watchEventsTotal == nil {
		return
	}

	m.watchEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrAPIBase, apiBase),
		attribute.String(attrEventType, eventType),
	))
}

// RecordStoreResync counts a re-list of the store for apiBase.
// reason is one of the ResyncReason constants.
func (m *Metrics) RecordStoreResync(ctx context.Context, apiBase, reason string) {
	if m == nil || m.storeResyncsTotal == nil {
		return
	}

	m.storeResyncsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrAPIBase, apiBase),
		attribute.String(attrReason, reason),
	))
}

// RecordKubectlRun records one kubectl invocation.
func (m *Metrics) RecordKubectlRun(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil || m.kubectlRunsTotal == nil || m.kubectlRunDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	)
	m.kubectlRunsTotal.Add(ctx, 1, attrs)
	m.kubectlRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSessionRefresh counts a cluster session refresh with its result.
func (m *Metrics) RecordSessionRefresh(ctx context.Context, result string) {
	if m == nil || m.sessionRefreshTotal == nil {
		return
	}

	m.sessionRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// IncrementActiveUpgrades increments the number of piped upgrade connections.
func (m *Metrics) IncrementActiveUpgrades(ctx context.Context) {
	if m == nil || m.activeUpgrades == nil {
		return
	}
	m.activeUpgrades.Add(ctx, 1)
}

// DecrementActiveUpgrades decrements the number of piped upgrade connections.
func (m *Metrics) DecrementActiveUpgrades(ctx context.Context) {
	if m == nil || m.activeUpgrades == nil {
		return
	}
	m.activeUpgrades.Add(ctx, -1)
}

// ClusterConnected increments the connected clusters gauge.
func (m *Metrics) ClusterConnected(ctx context.Context) {
	if m == nil || m.connectedClusters == nil {
		return
	}
	m.connectedClusters.Add(ctx, 1)
}

// ClusterDisconnected decrements the connected clusters gauge.
func (m *Metrics) ClusterDisconnected(ctx context.Context) {
	if m == nil || m.connectedClusters == nil {
		return
	}
	m.connectedClusters.Add(ctx, -1)
}
