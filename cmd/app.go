package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/giantswarm/clusterlink/internal/applier"
	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
	"github.com/giantswarm/clusterlink/internal/proxy"
	"github.com/giantswarm/clusterlink/internal/server"
)

// shutdownTimeout bounds graceful shutdown of listeners and cluster sessions.
const shutdownTimeout = 10 * time.Second

// appConfig is what every subcommand needs to reach its clusters.
type appConfig struct {
	Kubeconfigs []string
	LogLevel    string
	LogFormat   string
	LogOutput   io.Writer
	TokenTTL    time.Duration
	HTTPSProxy  string
	Kubectl     string
}

// app wires the process-wide collaborators: one cluster manager, the
// instrumentation provider and the server context that owns per-cluster
// API managers.
type app struct {
	config   appConfig
	logger   *slog.Logger
	provider *instrumentation.Provider
	clusters *cluster.Manager
	server   *server.ServerContext
}

func newApp(ctx context.Context, config appConfig) (*app, error) {
	if config.LogOutput == nil {
		config.LogOutput = os.Stderr
	}
	logger, err := logging.New(config.LogOutput, config.LogLevel, config.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	instrumentationConfig := instrumentation.DefaultConfig()
	instrumentationConfig.ServiceVersion = rootCmd.Version
	provider, err := instrumentation.NewProvider(ctx, instrumentationConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("OpenTelemetry instrumentation enabled",
			"metrics_exporter", instrumentationConfig.MetricsExporter,
			"tracing_exporter", instrumentationConfig.TracingExporter)
	}

	clusters := cluster.NewManager(
		cluster.WithLogger(logger),
		cluster.WithMetrics(provider.Metrics()),
		cluster.WithTokenTTL(config.TokenTTL),
		cluster.WithHTTPSProxy(config.HTTPSProxy),
	)

	var loadErrs []error
	loaded := 0
	for _, path := range config.Kubeconfigs {
		handlers, err := clusters.LoadKubeconfig(path)
		if err != nil {
			loadErrs = append(loadErrs, err)
			logger.Warn("skipping kubeconfig", "path", path, logging.Err(err))
			continue
		}
		loaded += len(handlers)
	}
	if loaded == 0 {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("no clusters found in %s: %w",
			strings.Join(config.Kubeconfigs, ", "), errors.Join(loadErrs...))
	}

	sc, err := server.NewServerContext(ctx,
		server.WithClusterManager(clusters),
		server.WithLogger(logger),
		server.WithVersion(rootCmd.Version),
		server.WithInstrumentationProvider(provider),
	)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}

	return &app{
		config:   config,
		logger:   logger,
		provider: provider,
		clusters: clusters,
		server:   sc,
	}, nil
}

// newProxy builds the local proxy with kubectl-backed /api/stack routes.
func (a *app) newProxy(opts ...proxy.Option) *proxy.Proxy {
	executor := applier.NewKubectlExecutor(a.config.Kubectl)
	metrics := a.provider.Metrics()
	base := []proxy.Option{
		proxy.WithLogger(a.logger),
		proxy.WithMetrics(metrics),
		proxy.WithApplierFactory(func(h *cluster.ContextHandler) proxy.StackApplier {
			return a.newApplier(h, executor)
		}),
	}
	return proxy.New(a.clusters, append(base, opts...)...)
}

func (a *app) newApplier(h *cluster.ContextHandler, executor applier.Executor) *applier.Applier {
	return applier.New(h,
		applier.WithExecutor(executor),
		applier.WithLogger(logging.WithCluster(a.logger, h.ID())),
		applier.WithMetrics(a.provider.Metrics()),
	)
}

// findCluster resolves a cluster by ID or context name. A context name that
// appears in more than one kubeconfig must be given by ID.
func (a *app) findCluster(ref string) (*cluster.ContextHandler, error) {
	if h, err := a.clusters.Get(ref); err == nil {
		return h, nil
	}

	var matches []*cluster.ContextHandler
	for _, h := range a.clusters.List() {
		if h.ContextName() == ref {
			matches = append(matches, h)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", cluster.ErrClusterNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, h := range matches {
			ids = append(ids, h.ID())
		}
		return nil, fmt.Errorf("context %q exists in several kubeconfigs, use one of the cluster IDs: %s",
			ref, strings.Join(ids, ", "))
	}
}

// close disconnects every cluster and flushes instrumentation.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.provider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("instrumentation shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// commonAppConfig builds an appConfig from the persistent flags only.
func commonAppConfig() appConfig {
	kubeconfigs, level, format := resolveGlobals()
	kubectl := os.Getenv(envKubectl)
	if kubectl == "" {
		kubectl = applier.DefaultKubectl
	}
	return appConfig{
		Kubeconfigs: kubeconfigs,
		LogLevel:    level,
		LogFormat:   format,
		TokenTTL:    cluster.DefaultTokenTTL,
		HTTPSProxy:  os.Getenv(envHTTPSProxy),
		Kubectl:     kubectl,
	}
}
