package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const upstreamToken = "upstream-token"

func newUpstream(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// writeSourceKubeconfig writes a kubeconfig with one context per name, all
// pointing at srv.
func writeSourceKubeconfig(t *testing.T, srv *httptest.Server, contexts ...string) string {
	t.Helper()
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["upstream"] = &clientcmdapi.Cluster{Server: srv.URL, CertificateAuthorityData: caPEM}
	cfg.AuthInfos["user"] = &clientcmdapi.AuthInfo{Token: upstreamToken}
	for _, name := range contexts {
		cfg.Contexts[name] = &clientcmdapi.Context{Cluster: "upstream", AuthInfo: "user", Namespace: "team"}
	}
	cfg.CurrentContext = contexts[0]

	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, clientcmd.WriteToFile(*cfg, path))
	return path
}

// connectedHandler returns a connected handler for a single context kubeconfig.
func connectedHandler(t *testing.T, srv *httptest.Server, opts ...ManagerOption) (*ContextHandler, *Manager) {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev"))
	require.NoError(t, err)
	require.Len(t, handlers, 1)

	h := handlers[0]
	require.NoError(t, h.Connect(context.Background()))
	return h, m
}

func proxyClient(t *testing.T, h *ContextHandler) *http.Client {
	t.Helper()
	ca, err := h.ResolveAuthProxyCA()
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		Timeout:   5 * time.Second,
	}
}

func proxyGet(t *testing.T, h *ContextHandler, client *http.Client, path, token string) *http.Response {
	t.Helper()
	proxyURL, err := h.ResolveAuthProxyURL()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, proxyURL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu           sync.Mutex
	refreshes    []string
	connected    int
	disconnected int
}

func (r *recordingMetrics) RecordSessionRefresh(_ context.Context, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, result)
}

func (r *recordingMetrics) ClusterConnected(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recordingMetrics) ClusterDisconnected(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recordingMetrics) refreshResults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refreshes...)
}
