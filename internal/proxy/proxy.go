package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/httpstream"

	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
)

const (
	// APIKubePrefix marks cluster API traffic.
	APIKubePrefix = "/api-kube"

	// APIPrefix is the prefix of local routes.
	APIPrefix = "/api"

	// DefaultDialTimeout bounds dialing the auth proxy for upgrades.
	DefaultDialTimeout = 10 * time.Second
)

// ClusterResolver finds the cluster a request is addressed to.
type ClusterResolver interface {
	ClusterForRequest(r *http.Request) (*cluster.ContextHandler, error)
}

// StackApplier applies and patches manifests on one cluster.
type StackApplier interface {
	Apply(ctx context.Context, manifest map[string]any) (*unstructured.Unstructured, error)
	Patch(ctx context.Context, name, kind string, patch []byte, namespace string) (*unstructured.Unstructured, error)
}

// ApplierFactory returns the applier of a cluster.
type ApplierFactory func(c *cluster.ContextHandler) StackApplier

// HealthRegistrar mounts health endpoints.
type HealthRegistrar interface {
	RegisterHealthEndpoints(mux *http.ServeMux)
}

// MetricsRecorder records proxy activity.
type MetricsRecorder interface {
	IncrementActiveUpgrades(ctx context.Context)
	DecrementActiveUpgrades(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) IncrementActiveUpgrades(context.Context) {}
func (noopMetrics) DecrementActiveUpgrades(context.Context) {}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Proxy) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithApplierFactory enables the /api/stack routes.
func WithApplierFactory(f ApplierFactory) Option {
	return func(p *Proxy) {
		p.appliers = f
	}
}

// WithHealth mounts health endpoints instead of the built-in ones.
func WithHealth(h HealthRegistrar) Option {
	return func(p *Proxy) {
		p.health = h
	}
}

// WithDialTimeout sets the dial timeout of upgraded connections.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// Proxy is the local HTTP entry point. It forwards cluster API traffic to
// the auth proxy of the addressed cluster and serves a few local routes.
type Proxy struct {
	clusters    ClusterResolver
	appliers    ApplierFactory
	health      HealthRegistrar
	logger      *slog.Logger
	metrics     MetricsRecorder
	dialTimeout time.Duration

	mux *http.ServeMux

	mu         sync.Mutex
	transports map[string]*clusterTransport
}

// clusterTransport trusts exactly one session CA.
type clusterTransport struct {
	ca        string
	tlsConfig *tls.Config
	transport *http.Transport
}

// New creates a Proxy.
func New(clusters ClusterResolver, opts ...Option) *Proxy {
	p := &Proxy{
		clusters:    clusters,
		logger:      slog.Default(),
		metrics:     noopMetrics{},
		dialTimeout: DefaultDialTimeout,
		transports:  make(map[string]*clusterTransport),
	}
	for _, opt := range opts {
		opt(p)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(APIKubePrefix+"/", p.serveKube)
	mux.Handle("PATCH "+APIPrefix+"/stack", p.route(p.patchStack))
	mux.Handle("POST "+APIPrefix+"/stack", p.route(p.applyStack))
	if p.health != nil {
		p.health.RegisterHealthEndpoints(mux)
	} else {
		mux.HandleFunc("GET /healthz", ok)
		mux.HandleFunc("GET /readyz", ok)
	}
	p.mux = mux
	return p
}

func ok(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Close releases idle upstream connections.
func (p *Proxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.transports {
		t.transport.CloseIdleConnections()
		delete(p.transports, id)
	}
}

// resolve finds the request's cluster and connects it on demand. On failure
// it writes the response and returns nil.
func (p *Proxy) resolve(w http.ResponseWriter, r *http.Request) *cluster.ContextHandler {
	h, err := p.clusters.ClusterForRequest(r)
	if err != nil {
		if errors.Is(err, cluster.ErrClusterNotFound) {
			http.Error(w, "cluster not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil
	}

	if !h.State().HasSession() {
		if err := h.Connect(r.Context()); err != nil {
			p.logger.Warn("failed to connect cluster for request",
				logging.Cluster(h.ID()), logging.SanitizedErr(err))
			http.Error(w, userFacing(err), http.StatusServiceUnavailable)
			return nil
		}
	}
	return h
}

func (p *Proxy) serveKube(w http.ResponseWriter, r *http.Request) {
	h := p.resolve(w, r)
	if h == nil {
		return
	}

	ctx, span := instrumentation.StartProxySpan(r.Context(), h.ID(), r.Method,
		instrumentation.NewSpanAttributeBuilder().WithUpgrade(httpstream.IsUpgradeRequest(r)).Build()...)
	defer span.End()
	r = r.WithContext(ctx)

	if httpstream.IsUpgradeRequest(r) {
		p.serveUpgrade(w, r, h)
		return
	}
	p.forward(w, r, h)
}

// forward relays a buffered request to the cluster's auth proxy.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, h *cluster.ContextHandler) {
	target, token, t, err := p.session(r.Context(), h)
	if err != nil {
		http.Error(w, userFacing(err), http.StatusServiceUnavailable)
		return
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = stripKubePrefix(pr.In.URL.Path)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.Out.Header.Set("Authorization", "Bearer "+token)
		},
		Transport:     t.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("proxy request failed", logging.Cluster(h.ID()),
				logging.TraceID(instrumentation.GetTraceID(r.Context())), logging.SanitizedErr(err))
			http.Error(w, "cluster unavailable", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

// session returns what a request to h's auth proxy needs.
func (p *Proxy) session(ctx context.Context, h *cluster.ContextHandler) (*url.URL, string, *clusterTransport, error) {
	proxyURL, err := h.ResolveAuthProxyURL()
	if err != nil {
		return nil, "", nil, err
	}
	target, err := url.Parse(proxyURL)
	if err != nil {
		return nil, "", nil, fmt.Errorf("invalid auth proxy url: %w", err)
	}
	token, err := h.SessionToken(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	ca, err := h.ResolveAuthProxyCA()
	if err != nil {
		return nil, "", nil, err
	}
	t, err := p.transportFor(h.ID(), ca)
	if err != nil {
		return nil, "", nil, err
	}
	return target, token, t, nil
}

// transportFor returns a transport pinned to ca, replacing the cached one
// when the cluster has reconnected with a new certificate.
func (p *Proxy) transportFor(id string, ca []byte) (*clusterTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.transports[id]; ok && t.ca == string(ca) {
		return t, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, errors.New("auth proxy CA holds no certificates")
	}
	tlsConfig := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	t := &clusterTransport{
		ca:        string(ca),
		tlsConfig: tlsConfig,
		transport: &http.Transport{
			Proxy:               nil,
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	if old, ok := p.transports[id]; ok {
		old.transport.CloseIdleConnections()
	}
	p.transports[id] = t
	return t, nil
}

func stripKubePrefix(path string) string {
	path = strings.TrimPrefix(path, APIKubePrefix)
	if path == "" {
		return "/"
	}
	return path
}

type userFacingError interface {
	UserFacingError() string
}

func userFacing(err error) string {
	var uf userFacingError
	if errors.As(err, &uf) {
		return uf.UserFacingError()
	}
	return err.Error()
}
