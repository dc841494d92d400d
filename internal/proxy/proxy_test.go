package proxy

import (
	"bufio"
	"context"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/giantswarm/clusterlink/internal/cluster"
)

const upstreamToken = "upstream-token"

type upstreamRequest struct {
	path  string
	query string
	auth  string
}

// fakeAPIServer records requests and answers with a fixed JSON body. Upgrade
// requests are switched to an echo stream.
type fakeAPIServer struct {
	mu       sync.Mutex
	requests []upstreamRequest
}

func (f *fakeAPIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, upstreamRequest{path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")})
	f.mu.Unlock()

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		conn, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
		_ = brw.Flush()
		_, _ = io.Copy(conn, brw)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusTeapot)
	_, _ = io.WriteString(w, `{"kind":"PodList"}`)
}

func (f *fakeAPIServer) last() upstreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return upstreamRequest{}
	}
	return f.requests[len(f.requests)-1]
}

type testEnv struct {
	upstream *fakeAPIServer
	clusters *cluster.Manager
	handler  *cluster.ContextHandler
	server   *httptest.Server
	metrics  *recordingMetrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	api := &fakeAPIServer{}
	upstream := httptest.NewTLSServer(api)
	t.Cleanup(upstream.Close)

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: upstream.Certificate().Raw})
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["upstream"] = &clientcmdapi.Cluster{Server: upstream.URL, CertificateAuthorityData: caPEM}
	cfg.AuthInfos["user"] = &clientcmdapi.AuthInfo{Token: upstreamToken}
	cfg.Contexts["dev"] = &clientcmdapi.Context{Cluster: "upstream", AuthInfo: "user"}
	cfg.CurrentContext = "dev"
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, clientcmd.WriteToFile(*cfg, path))

	clusters := cluster.NewManager()
	t.Cleanup(func() { _ = clusters.Close(context.Background()) })
	handlers, err := clusters.LoadKubeconfig(path)
	require.NoError(t, err)

	metrics := &recordingMetrics{}
	p := New(clusters, append([]Option{WithMetrics(metrics)}, opts...)...)
	t.Cleanup(p.Close)
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	return &testEnv{upstream: api, clusters: clusters, handler: handlers[0], server: srv, metrics: metrics}
}

func (e *testEnv) request(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(cluster.ClusterIDHeader, e.handler.ID())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type recordingMetrics struct {
	mu       sync.Mutex
	active   int
	upgrades int
}

func (r *recordingMetrics) IncrementActiveUpgrades(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active++
	r.upgrades++
}

func (r *recordingMetrics) DecrementActiveUpgrades(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
}

func (r *recordingMetrics) snapshot() (active, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.upgrades
}

func TestForwardConnectsOnDemand(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, cluster.StateDisconnected, env.handler.State())

	resp := env.request(t, http.MethodGet, "/api-kube/api/v1/namespaces/default/pods?watch=true&resourceVersion=5", "")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"PodList"}`, string(body))

	assert.Equal(t, cluster.StateConnected, env.handler.State())
	got := env.upstream.last()
	assert.Equal(t, "/api/v1/namespaces/default/pods", got.path)
	assert.Equal(t, "watch=true&resourceVersion=5", got.query)
	assert.Equal(t, "Bearer "+upstreamToken, got.auth)
}

func TestForwardByHost(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api-kube/apis/apps/v1/deployments", nil)
	require.NoError(t, err)
	req.Host = env.handler.ID() + ".localhost"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "/apis/apps/v1/deployments", env.upstream.last().path)
}

func TestUnknownCluster(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api-kube/api/v1/pods", nil)
	require.NoError(t, err)
	req.Header.Set(cluster.ClusterIDHeader, "unknown")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnectFailureIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.Remove(env.handler.SourceKubeconfig()))

	resp := env.request(t, http.MethodGet, "/api-kube/api/v1/pods", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `failed to connect to cluster "dev"`)
}

func TestDefaultHealthRoutes(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "ok", string(body))
	}
}

func TestUpgradeIsPiped(t *testing.T) {
	env := newTestEnv(t)

	conn, err := net.Dial("tcp", env.server.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(conn, "GET /api-kube/api/v1/namespaces/default/pods/web/exec?command=sh HTTP/1.1\r\n"+
		"Host: "+env.handler.ID()+".localhost\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: websocket\r\n"+
		"Authorization: Bearer client-supplied\r\n\r\n")
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(reader, echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo))

	got := env.upstream.last()
	assert.Equal(t, "/api/v1/namespaces/default/pods/web/exec", got.path)
	assert.Equal(t, "command=sh", got.query)
	assert.Equal(t, "Bearer "+upstreamToken, got.auth)

	active, total := env.metrics.snapshot()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, total)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		active, _ := env.metrics.snapshot()
		return active == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUpgradeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api-kube/api/v1/namespaces/a/pods/b/portforward?ports=80", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "SPDY/3.1")
	r.Header.Set("Authorization", "Bearer client")

	buffered := bufio.NewReader(strings.NewReader("early"))
	_, err := buffered.Peek(5)
	require.NoError(t, err)

	head, err := upgradeRequest(r, "127.0.0.1:8443", "session", buffered)
	require.NoError(t, err)

	text := string(head)
	assert.True(t, strings.HasPrefix(text, "POST /api/v1/namespaces/a/pods/b/portforward?ports=80 HTTP/1.1\r\nHost: 127.0.0.1:8443\r\n"))
	assert.Contains(t, text, "Upgrade: SPDY/3.1\r\n")
	assert.Contains(t, text, "Authorization: Bearer session\r\n\r\nearly")
	assert.NotContains(t, text, "client")
}

func TestPipeClosesBothEnds(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()

	done := make(chan struct{})
	go func() {
		pipe(a2, b1)
		close(done)
	}()

	go func() { _, _ = a1.Write([]byte("hi")) }()
	buf := make([]byte, 2)
	_, err := io.ReadFull(b2, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	require.NoError(t, b2.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipe did not finish")
	}
	_, err = a1.Read(buf)
	assert.Error(t, err)
}
