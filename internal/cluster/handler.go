package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
)

const (
	// DefaultTokenTTL is how long a session token stays valid.
	DefaultTokenTTL = 15 * time.Minute

	// DefaultShutdownTimeout bounds how long Disconnect waits for in-flight
	// requests before closing the auth proxy.
	DefaultShutdownTimeout = 5 * time.Second

	refreshTimeout = 30 * time.Second

	// maxRotationMargin caps how long before expiry a token is replaced.
	maxRotationMargin = time.Minute
)

// Refresh results recorded by MetricsRecorder.RecordSessionRefresh.
const (
	RefreshResultSuccess = "success"
	RefreshResultFailure = "failure"
)

// MetricsRecorder records session activity.
type MetricsRecorder interface {
	RecordSessionRefresh(ctx context.Context, result string)
	ClusterConnected(ctx context.Context)
	ClusterDisconnected(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordSessionRefresh(context.Context, string) {}
func (noopMetrics) ClusterConnected(context.Context)             {}
func (noopMetrics) ClusterDisconnected(context.Context)          {}

type handlerOptions struct {
	logger     *slog.Logger
	metrics    MetricsRecorder
	tokenTTL   time.Duration
	httpsProxy string
}

// upstream is the transport to the real API server. It is replaced as a
// whole on refresh.
type upstream struct {
	target    *url.URL
	transport http.RoundTripper
	// upgrades is limited to HTTP/1.1, which is the only protocol that can
	// switch to a streaming protocol.
	upgrades http.RoundTripper
}

// ContextHandler owns the connection to one kubeconfig context: the upstream
// credentials, the local auth proxy in front of them and the session that
// local clients use to reach it.
type ContextHandler struct {
	id             string
	kubeconfigPath string
	contextName    string

	logger     *slog.Logger
	metrics    MetricsRecorder
	tokenTTL   time.Duration
	httpsProxy string
	now        func() time.Time

	// lifecycle serializes Connect, Refresh and Disconnect.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	state   State
	failed  bool
	lastErr error
	session *Session
	// tokens maps every accepted session token to its expiry. A rotated
	// token stays accepted until it expires.
	tokens map[string]time.Time
	server *http.Server
	host   string

	upstream   atomic.Pointer[upstream]
	refreshing atomic.Bool
	background sync.WaitGroup
}

func newContextHandler(id, kubeconfigPath, contextName string, o handlerOptions) *ContextHandler {
	return &ContextHandler{
		id:             id,
		kubeconfigPath: kubeconfigPath,
		contextName:    contextName,
		logger:         logging.WithCluster(o.logger, id).With(slog.String("context", contextName)),
		metrics:        o.metrics,
		tokenTTL:       o.tokenTTL,
		httpsProxy:     o.httpsProxy,
		now:            time.Now,
		tokens:         make(map[string]time.Time),
	}
}

// ID returns the stable cluster ID.
func (h *ContextHandler) ID() string { return h.id }

// ContextName returns the kubeconfig context name.
func (h *ContextHandler) ContextName() string { return h.contextName }

// SourceKubeconfig returns the kubeconfig file the cluster was loaded from.
func (h *ContextHandler) SourceKubeconfig() string { return h.kubeconfigPath }

// HTTPSProxy returns the proxy kubectl should use for this cluster, if any.
func (h *ContextHandler) HTTPSProxy() string { return h.httpsProxy }

// State returns the current connection state.
func (h *ContextHandler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Failed reports whether the last refresh failed. It is cleared by a
// successful Connect.
func (h *ContextHandler) Failed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failed
}

// LastError returns the error of the last failed connect or refresh.
func (h *ContextHandler) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Host returns the upstream API server address of the last connection.
func (h *ContextHandler) Host() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.host
}

func (h *ContextHandler) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(to)
}

func (h *ContextHandler) transitionLocked(to State) error {
	if !canTransition(h.state, to) {
		return &StateError{ClusterID: h.id, From: h.state, To: to}
	}
	h.logger.Debug("cluster state changed",
		slog.String("from", h.state.String()), logging.State(to.String()))
	h.state = to
	return nil
}

// Connect opens a session. It is a no-op when the cluster is already connected.
func (h *ContextHandler) Connect(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.State().HasSession() {
		return nil
	}

	ctx, span := instrumentation.StartClusterSpan(ctx, "connect", h.id)
	defer span.End()

	if err := h.transition(StateConnecting); err != nil {
		instrumentation.SetSpanError(span, err)
		return err
	}

	if err := h.connect(ctx); err != nil {
		err = &ConnectError{ClusterID: h.id, Context: h.contextName, Err: err}
		h.mu.Lock()
		h.lastErr = err
		_ = h.transitionLocked(StateDisconnected)
		h.mu.Unlock()
		instrumentation.SetSpanError(span, err)
		h.logger.Warn("failed to connect cluster", logging.SanitizedErr(err))
		return err
	}

	h.mu.Lock()
	h.failed = false
	h.lastErr = nil
	_ = h.transitionLocked(StateConnected)
	h.mu.Unlock()

	h.metrics.ClusterConnected(ctx)
	instrumentation.SetSpanSuccess(span)
	h.logger.Info("cluster connected", logging.Host(h.Host()))
	return nil
}

func (h *ContextHandler) connect(ctx context.Context) error {
	up, namespace, err := h.loadUpstream()
	if err != nil {
		return err
	}

	pair, caPEM, err := newLoopbackCertificate()
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen on loopback: %w", err)
	}

	dir, err := newSessionDir(h.id)
	if err != nil {
		_ = ln.Close()
		return err
	}

	session := &Session{
		ProxyURL:  "https://" + ln.Addr().String(),
		ProxyCA:   caPEM,
		Namespace: namespace,
		dir:       dir,
	}
	token, expiry := h.newToken()
	session.Token = token
	session.TokenExpiry = expiry

	if err := writeKubeconfig(session, h.contextName); err != nil {
		_ = ln.Close()
		_ = os.RemoveAll(dir)
		return err
	}

	server := &http.Server{
		Handler:           h.authProxy(),
		ReadHeaderTimeout: 30 * time.Second,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		},
		ErrorLog: slog.NewLogLogger(h.logger.Handler(), slog.LevelDebug),
	}

	h.upstream.Store(up)
	h.mu.Lock()
	h.session = session
	h.tokens = map[string]time.Time{token: expiry}
	h.server = server
	h.host = up.target.Host
	h.mu.Unlock()

	go func() {
		if err := server.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("auth proxy stopped", logging.Err(err))
		}
	}()
	return nil
}

func (h *ContextHandler) loadUpstream() (*upstream, string, error) {
	cfg, namespace, err := loadRESTConfig(h.kubeconfigPath, h.contextName)
	if err != nil {
		return nil, "", err
	}

	transport, err := rest.TransportFor(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build upstream transport: %w", err)
	}
	http1 := rest.CopyConfig(cfg)
	http1.NextProtos = []string{"http/1.1"}
	upgrades, err := rest.TransportFor(http1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build upstream upgrade transport: %w", err)
	}

	target, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cluster server %q: %w", logging.SanitizeHost(cfg.Host), err)
	}
	if target.Scheme == "" {
		target.Scheme = "https"
	}
	if cfg.APIPath != "" && target.Path == "" {
		target.Path = cfg.APIPath
	}
	return &upstream{target: target, transport: transport, upgrades: upgrades}, namespace, nil
}

func (h *ContextHandler) newToken() (string, time.Time) {
	return uuid.NewString(), h.now().Add(h.tokenTTL)
}

// Session returns a copy of the current session.
func (h *ContextHandler) Session() (Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.state.HasSession() || h.session == nil {
		return Session{}, ErrNotConnected
	}
	return *h.session, nil
}

// ResolveAuthProxyURL returns the https URL of the local auth proxy.
func (h *ContextHandler) ResolveAuthProxyURL() (string, error) {
	s, err := h.Session()
	if err != nil {
		return "", err
	}
	return s.ProxyURL, nil
}

// ResolveAuthProxyCA returns the PEM bundle that signs the auth proxy certificate.
func (h *ContextHandler) ResolveAuthProxyCA() ([]byte, error) {
	s, err := h.Session()
	if err != nil {
		return nil, err
	}
	return s.ProxyCA, nil
}

// SessionToken returns a session token that stays valid for at least the
// rotation margin, rotating the current one when it is about to expire.
func (h *ContextHandler) SessionToken(ctx context.Context) (string, error) {
	s, err := h.ensureFreshSession(ctx)
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// KubeconfigPath returns the path of a kubeconfig that reaches the cluster
// through the auth proxy, rewriting it when its token is about to expire.
func (h *ContextHandler) KubeconfigPath(ctx context.Context) (string, error) {
	s, err := h.ensureFreshSession(ctx)
	if err != nil {
		return "", err
	}
	return s.KubeconfigPath, nil
}

func (h *ContextHandler) ensureFreshSession(_ context.Context) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.HasSession() || h.session == nil {
		return Session{}, ErrNotConnected
	}
	if h.session.ExpiresWithin(h.now(), h.rotationMargin()) {
		if err := h.rotateTokenLocked(); err != nil {
			return Session{}, err
		}
	}
	return *h.session, nil
}

// rotationMargin is the validity a handed out token must have left:
// half the TTL, at most maxRotationMargin.
func (h *ContextHandler) rotationMargin() time.Duration {
	return min(h.tokenTTL/2, maxRotationMargin)
}

// rotateTokenLocked issues a new token, drops expired ones and rewrites the
// kubeconfig. The previous token stays accepted until its own expiry.
func (h *ContextHandler) rotateTokenLocked() error {
	now := h.now()
	for token, expiry := range h.tokens {
		if !now.Before(expiry) {
			delete(h.tokens, token)
		}
	}

	token, expiry := h.newToken()
	next := *h.session
	next.Token = token
	next.TokenExpiry = expiry
	if err := writeKubeconfig(&next, h.contextName); err != nil {
		return err
	}

	h.tokens[token] = expiry
	h.session = &next
	h.logger.Debug("session token rotated", slog.String("token", logging.SanitizeToken(token)))
	return nil
}

func (h *ContextHandler) validToken(token string) bool {
	if token == "" {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	expiry, ok := h.tokens[token]
	return ok && h.now().Before(expiry)
}

// Refresh reloads the upstream credentials and rotates the session token.
// On failure the cluster is disconnected and marked failed.
func (h *ContextHandler) Refresh(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	ctx, span := instrumentation.StartClusterSpan(ctx, "refresh", h.id)
	defer span.End()

	if err := h.transition(StateRefreshing); err != nil {
		instrumentation.SetSpanError(span, err)
		return err
	}

	err := h.refresh()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		h.metrics.RecordSessionRefresh(ctx, RefreshResultFailure)
		h.logger.Error("cluster refresh failed, disconnecting", logging.SanitizedErr(err))

		h.mu.Lock()
		h.failed = true
		h.lastErr = err
		h.mu.Unlock()

		if derr := h.disconnect(ctx); derr != nil {
			h.logger.Warn("failed to disconnect after refresh failure", logging.Err(derr))
		}
		instrumentation.SetSpanError(span, err)
		return err
	}

	_ = h.transition(StateConnected)
	h.metrics.RecordSessionRefresh(ctx, RefreshResultSuccess)
	instrumentation.SetSpanSuccess(span)
	h.logger.Info("cluster credentials refreshed")
	return nil
}

func (h *ContextHandler) refresh() error {
	up, _, err := h.loadUpstream()
	if err != nil {
		return err
	}
	h.upstream.Store(up)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.host = up.target.Host
	return h.rotateTokenLocked()
}

// refreshInBackground starts a Refresh unless one is already running.
func (h *ContextHandler) refreshInBackground() {
	if !h.refreshing.CompareAndSwap(false, true) {
		return
	}
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		defer h.refreshing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := h.Refresh(ctx); err != nil && errors.Is(err, ErrInvalidState) {
			h.logger.Debug("skipped background refresh", logging.Err(err))
		}
	}()
}

// Disconnect closes the auth proxy and removes the session. It is a no-op
// when the cluster is not connected.
func (h *ContextHandler) Disconnect(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if !h.State().HasSession() {
		return nil
	}
	return h.disconnect(ctx)
}

// disconnect must be called with lifecycle held.
func (h *ContextHandler) disconnect(ctx context.Context) error {
	if err := h.transition(StateDisconnecting); err != nil {
		return err
	}

	h.mu.Lock()
	server := h.server
	session := h.session
	h.server = nil
	h.session = nil
	h.tokens = make(map[string]time.Time)
	h.mu.Unlock()
	h.upstream.Store(nil)

	var errs []error
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		cancel()
	}
	if session != nil && session.dir != "" {
		if err := os.RemoveAll(session.dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove session directory: %w", err))
		}
	}

	_ = h.transition(StateDisconnected)
	h.metrics.ClusterDisconnected(ctx)
	h.logger.Info("cluster disconnected")
	return errors.Join(errs...)
}

// wait blocks until background refreshes have finished.
func (h *ContextHandler) wait() {
	h.background.Wait()
}
