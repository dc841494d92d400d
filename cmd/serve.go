package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/clusterlink/internal/logging"
	"github.com/giantswarm/clusterlink/internal/proxy"
	"github.com/giantswarm/clusterlink/internal/server"
	"github.com/giantswarm/clusterlink/internal/server/middleware"
)

// newServeCmd creates the Cobra command for starting the proxy.
func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the clusterlink proxy",
		Long: `Start the local proxy for every context of the configured kubeconfigs.

Routes:
  /api-kube/...     Kubernetes API of the cluster selected by the
                    {cluster-id}.localhost host or the X-Cluster-ID header,
                    including watch streams and exec/attach/port-forward upgrades
  /api/stack        POST applies a manifest, PATCH applies a JSON patch (kubectl)
  /healthz          liveness
  /readyz           readiness
  /healthz/detailed per-cluster connection state

Clusters connect on their first request. Metrics are served on a separate
listener when INSTRUMENTATION_ENABLED=true.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildServeConfig(cmd, flags)
			if err != nil {
				return err
			}
			if err := config.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, config)
		},
	}

	addServeFlags(cmd, &flags)
	return cmd
}

// runServe serves until ctx is cancelled, then shuts down the listeners
// before disconnecting clusters.
func runServe(ctx context.Context, config ServeConfig) error {
	a, err := newApp(ctx, appConfig{
		Kubeconfigs: config.Kubeconfigs,
		LogLevel:    config.LogLevel,
		LogFormat:   config.LogFormat,
		TokenTTL:    config.TokenTTL,
		HTTPSProxy:  config.HTTPSProxy,
		Kubectl:     config.Kubectl,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Error("error during shutdown", logging.Err(err))
		}
	}()

	healthChecker := server.NewHealthChecker(a.server)
	p := a.newProxy(proxy.WithHealth(healthChecker))
	defer p.Close()

	handler := serveHandler(p, config, a)

	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: watch streams and upgraded connections are long-lived.
	}

	var metricsServer *server.MetricsServer
	if config.MetricsEnabled && a.provider.Enabled() {
		metricsServer, err = startMetricsServer(config.MetricsAddr, a)
		if err != nil {
			_ = listener.Close()
			return err
		}
	}

	a.logger.Info("proxy listening",
		"addr", listener.Addr().String(),
		"clusters", len(a.clusters.List()),
		"health_endpoints", []string{"/healthz", "/readyz", "/healthz/detailed"})

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, stopping proxy")
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("proxy server error: %w", err)
		}
	}

	healthChecker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down metrics server", logging.Err(err))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		// Hijacked connections are not tracked by Shutdown; closing the
		// clusters afterwards ends them.
		a.logger.Warn("proxy did not drain in time", logging.Err(err))
	}

	a.logger.Info("proxy gracefully stopped")
	return nil
}

// serveHandler wraps the proxy in the HTTP middleware chain.
func serveHandler(p http.Handler, config ServeConfig, a *app) http.Handler {
	handler := p
	handler = middleware.MaxRequestSize(config.MaxRequestBytes)(handler)
	handler = middleware.CORS(config.AllowedOrigins)(handler)
	handler = middleware.SecurityHeaders(config.EnableHSTS)(handler)
	handler = middleware.HTTPMetrics(a.provider)(handler)
	return handler
}

// startMetricsServer starts the dedicated metrics server on a separate port.
func startMetricsServer(addr string, a *app) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: a.provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", logging.Err(err))
		}
	}()

	a.logger.Info("metrics server started", "addr", metricsServer.Addr(), "endpoint", "/metrics")
	return metricsServer, nil
}
