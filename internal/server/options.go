package server

import (
	"log/slog"

	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/instrumentation"
)

// Option is a functional option for configuring ServerContext.
type Option func(*ServerContext) error

// WithClusterManager sets the cluster manager.
func WithClusterManager(m *cluster.Manager) Option {
	return func(sc *ServerContext) error {
		if m == nil {
			return ErrMissingClusterManager
		}
		sc.clusters = m
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(sc *ServerContext) error {
		if logger == nil {
			return ErrMissingLogger
		}
		sc.logger = logger
		return nil
	}
}

// WithConfig sets the configuration.
func WithConfig(config *Config) Option {
	return func(sc *ServerContext) error {
		if config == nil {
			return ErrMissingConfig
		}
		sc.config = config.Clone()
		return nil
	}
}

// WithVersion sets the reported version.
func WithVersion(version string) Option {
	return func(sc *ServerContext) error {
		sc.config.Version = version
		return nil
	}
}

// WithInstrumentationProvider sets the instrumentation provider.
func WithInstrumentationProvider(provider *instrumentation.Provider) Option {
	return func(sc *ServerContext) error {
		sc.provider = provider
		return nil
	}
}
