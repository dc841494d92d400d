// Package instrumentation provides OpenTelemetry metrics and tracing for
// clusterlink.
//
// # Metrics
//
// HTTP:
//   - http_requests_total, http_request_duration_seconds: requests served by the local proxy
//
// Proxy:
//   - clusterlink_proxy_active_upgrades: upgraded connections (exec, attach, port-forward) being piped
//
// Kubernetes API:
//   - clusterlink_kubernetes_operations_total, clusterlink_kubernetes_operation_duration_seconds
//
// Object stores:
//   - clusterlink_store_watch_events_total: watch events applied, by api base and event type
//   - clusterlink_store_resyncs_total: re-lists after a watch ended, by reason
//
// Cluster sessions and kubectl:
//   - clusterlink_connected_clusters
//   - clusterlink_session_refresh_total
//   - clusterlink_kubectl_runs_total, clusterlink_kubectl_run_duration_seconds
//
// Namespace and resource_type labels on Kubernetes operation metrics are only
// recorded with Config.DetailedLabels, since they grow with cluster size.
//
// # Configuration
//
// Instrumentation is configured via environment variables (see DefaultConfig):
//   - INSTRUMENTATION_ENABLED: enable metrics and tracing (default: false)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
//   - OTEL_TRACES_SAMPLER_ARG: sampling rate (default: 0.1)
//   - OTEL_SERVICE_NAME: service name (default: clusterlink)
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordK8sOperation(ctx, instrumentation.OperationList, "pods", "default",
//		instrumentation.StatusSuccess, time.Since(start))
package instrumentation
