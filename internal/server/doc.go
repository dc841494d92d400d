// Package server holds the long-lived state of a clusterlink process and the
// HTTP endpoints that sit next to the proxy.
//
// ServerContext owns the cluster manager, one apimanager.Manager per cluster
// and the instrumentation provider. It is configured with functional options:
//
//	sc, err := server.NewServerContext(ctx,
//		server.WithClusterManager(clusters),
//		server.WithLogger(logger),
//		server.WithVersion(version),
//	)
//	if err != nil {
//		return err
//	}
//	defer sc.Shutdown(context.Background())
//
// HealthChecker serves /healthz, /readyz and /healthz/detailed; the detailed
// endpoint lists every known cluster with its connection state. MetricsServer
// exposes the Prometheus registry on a separate listener.
package server
