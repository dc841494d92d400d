package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/tools/clientcmd"

	"github.com/giantswarm/clusterlink/internal/logging"
)

// ClusterIDHeader selects the target cluster when the request host does not.
const ClusterIDHeader = "X-Cluster-ID"

const localhostSuffix = ".localhost"

// ManagerOption configures a Manager.
type ManagerOption func(*handlerOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *handlerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ManagerOption {
	return func(o *handlerOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTokenTTL sets the session token lifetime.
func WithTokenTTL(ttl time.Duration) ManagerOption {
	return func(o *handlerOptions) {
		if ttl > 0 {
			o.tokenTTL = ttl
		}
	}
}

// WithHTTPSProxy sets the HTTPS proxy passed to kubectl for every cluster.
func WithHTTPSProxy(proxyURL string) ManagerOption {
	return func(o *handlerOptions) {
		o.httpsProxy = proxyURL
	}
}

// Manager owns the ContextHandler of every known cluster.
type Manager struct {
	opts   handlerOptions
	logger *slog.Logger

	mu       sync.RWMutex
	clusters map[string]*ContextHandler
	closed   bool
}

// NewManager creates a Manager without clusters.
func NewManager(opts ...ManagerOption) *Manager {
	o := handlerOptions{
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		tokenTTL: DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		opts:     o,
		logger:   o.logger,
		clusters: make(map[string]*ContextHandler),
	}
}

// ID returns the stable cluster ID of a kubeconfig context. It is a valid
// DNS label so it can be used as {id}.localhost.
func ID(kubeconfigPath, contextName string) string {
	if abs, err := filepath.Abs(kubeconfigPath); err == nil {
		kubeconfigPath = abs
	}
	sum := sha256.Sum256([]byte(kubeconfigPath + "\x00" + contextName))
	return hex.EncodeToString(sum[:16])
}

func (m *Manager) checkClosed() error {
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// LoadKubeconfig registers one cluster per context of the kubeconfig file.
// Contexts that are already known keep their handler.
func (m *Manager) LoadKubeconfig(path string) ([]*ContextHandler, error) {
	raw, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %s: %w", path, err)
	}

	names := make([]string, 0, len(raw.Contexts))
	for name := range raw.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClosed(); err != nil {
		return nil, err
	}

	handlers := make([]*ContextHandler, 0, len(names))
	for _, name := range names {
		id := ID(path, name)
		h, ok := m.clusters[id]
		if !ok {
			h = newContextHandler(id, path, name, m.opts)
			m.clusters[id] = h
			m.logger.Debug("cluster registered", logging.Cluster(id), slog.String("context", name))
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// Get returns the handler of cluster id.
func (m *Manager) Get(id string) (*ContextHandler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkClosed(); err != nil {
		return nil, err
	}
	h, ok := m.clusters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	return h, nil
}

// List returns all clusters ordered by context name.
func (m *Manager) List() []*ContextHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ContextHandler, 0, len(m.clusters))
	for _, h := range m.clusters {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *ContextHandler) int {
		if c := strings.Compare(a.contextName, b.contextName); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

// Connect connects cluster id.
func (m *Manager) Connect(ctx context.Context, id string) (*ContextHandler, error) {
	h, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return h, h.Connect(ctx)
}

// Disconnect disconnects cluster id.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}
	return h.Disconnect(ctx)
}

// Remove disconnects cluster id and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.clusters[id]
	delete(m.clusters, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}

	err := h.Disconnect(ctx)
	h.wait()
	return err
}

// ClusterForRequest resolves the target cluster of r from a {id}.localhost
// host or, failing that, the X-Cluster-ID header.
func (m *Manager) ClusterForRequest(r *http.Request) (*ContextHandler, error) {
	if id := clusterIDFromHost(r.Host); id != "" {
		return m.Get(id)
	}
	if id := r.Header.Get(ClusterIDHeader); id != "" {
		return m.Get(id)
	}
	return nil, fmt.Errorf("%w: request names no cluster", ErrClusterNotFound)
}

func clusterIDFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if !strings.HasSuffix(host, localhostSuffix) {
		return ""
	}
	id := strings.TrimSuffix(host, localhostSuffix)
	if id == "" || strings.Contains(id, ".") {
		return ""
	}
	return id
}

// Close disconnects every cluster. The manager cannot be used afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handlers := make([]*ContextHandler, 0, len(m.clusters))
	for _, h := range m.clusters {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cluster %s: %w", h.id, err))
		}
		h.wait()
	}
	return errors.Join(errs...)
}
