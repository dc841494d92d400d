package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
)

// DefaultMetricsAddr is the listen address of the metrics server.
const DefaultMetricsAddr = ":9090"

// MetricsServerConfig configures a MetricsServer.
type MetricsServerConfig struct {
	// Addr defaults to DefaultMetricsAddr.
	Addr                    string
	InstrumentationProvider *instrumentation.Provider
}

// MetricsServer serves /metrics on its own port, apart from the proxy
// listener, so scraping never passes through cluster routing.
type MetricsServer struct {
	addr   string
	server *http.Server
}

// NewMetricsServer creates a MetricsServer.
func NewMetricsServer(config MetricsServerConfig) (*MetricsServer, error) {
	if config.InstrumentationProvider == nil {
		return nil, errors.New("instrumentation provider is required")
	}

	addr := config.Addr
	if addr == "" {
		addr = DefaultMetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", config.InstrumentationProvider.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the listen address.
func (s *MetricsServer) Addr() string {
	return s.addr
}

// Start blocks serving until Shutdown. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
