package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/clusterlink/internal/apimanager"
	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
)

var (
	// ErrMissingClusterManager is returned when no cluster manager is configured.
	ErrMissingClusterManager = errors.New("cluster manager is required")

	// ErrMissingLogger is returned by WithLogger(nil).
	ErrMissingLogger = errors.New("logger is required")

	// ErrMissingConfig is returned by WithConfig(nil).
	ErrMissingConfig = errors.New("config is required")

	// ErrServerShutdown is returned after Shutdown.
	ErrServerShutdown = errors.New("server context is shut down")
)

// Config holds the identity of the running server.
type Config struct {
	ServerName string
	Version    string
}

// NewDefaultConfig returns the default configuration.
func NewDefaultConfig() *Config {
	return &Config{ServerName: "clusterlink"}
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

// ServerContext holds the long-lived dependencies of a clusterlink process:
// the cluster manager, one API manager per cluster and the instrumentation
// provider.
type ServerContext struct {
	clusters *cluster.Manager
	provider *instrumentation.Provider
	logger   *slog.Logger
	config   *Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	shutdown bool
	apis     map[string]*apimanager.Manager
}

// NewServerContext creates a ServerContext. WithClusterManager is required.
func NewServerContext(ctx context.Context, opts ...Option) (*ServerContext, error) {
	serverCtx, cancel := context.WithCancel(ctx)

	sc := &ServerContext{
		ctx:    serverCtx,
		cancel: cancel,
		config: NewDefaultConfig(),
		logger: slog.Default(),
		apis:   make(map[string]*apimanager.Manager),
	}

	for _, opt := range opts {
		if err := opt(sc); err != nil {
			cancel()
			return nil, err
		}
	}

	if sc.clusters == nil {
		cancel()
		return nil, ErrMissingClusterManager
	}
	return sc, nil
}

// Context returns the server context for cancellation.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Clusters returns the cluster manager.
func (sc *ServerContext) Clusters() *cluster.Manager {
	return sc.clusters
}

// InstrumentationProvider returns the instrumentation provider, or nil.
func (sc *ServerContext) InstrumentationProvider() *instrumentation.Provider {
	return sc.provider
}

// Logger returns the logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Config returns a copy of the configuration.
func (sc *ServerContext) Config() *Config {
	return sc.config.Clone()
}

// APIManager returns the API manager of cluster id, creating it on first use.
func (sc *ServerContext) APIManager(id string) (*apimanager.Manager, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.shutdown {
		return nil, ErrServerShutdown
	}

	m, ok := sc.apis[id]
	if !ok {
		m = apimanager.New(apimanager.WithLogger(logging.WithCluster(sc.logger, id)))
		sc.apis[id] = m
	}
	return m, nil
}

// StoreCount returns how many stores are registered for cluster id.
func (sc *ServerContext) StoreCount(id string) int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if m, ok := sc.apis[id]; ok {
		return len(m.Stores())
	}
	return 0
}

// Shutdown closes every store and disconnects every cluster.
func (sc *ServerContext) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	apis := sc.apis
	sc.apis = make(map[string]*apimanager.Manager)
	sc.mu.Unlock()

	sc.logger.Info("shutting down server context")
	for _, m := range apis {
		m.Close()
	}

	var err error
	if cerr := sc.clusters.Close(ctx); cerr != nil {
		err = fmt.Errorf("failed to disconnect clusters: %w", cerr)
	}
	sc.cancel()
	return err
}

// IsShutdown reports whether Shutdown has been called.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}
