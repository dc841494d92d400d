package cluster

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/tools/clientcmd"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateRefreshing, true},
		{StateRefreshing, StateConnected, true},
		{StateConnected, StateDisconnecting, true},
		{StateRefreshing, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},
		{StateConnected, StateConnecting, false},
		{StateDisconnecting, StateConnected, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateRefreshing.HasSession())
	assert.False(t, StateConnecting.HasSession())
}

func TestConnectServesAuthProxy(t *testing.T) {
	var mu sync.Mutex
	var gotAuth, gotPath string
	srv := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"kind":"NamespaceList"}`)
	}))

	metrics := &recordingMetrics{}
	h, _ := connectedHandler(t, srv, WithMetrics(metrics))
	assert.Equal(t, StateConnected, h.State())

	session, err := h.Session()
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, "team", session.Namespace)

	info, err := os.Stat(session.KubeconfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	dirInfo, err := os.Stat(filepath.Dir(session.KubeconfigPath))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	written, err := clientcmd.LoadFromFile(session.KubeconfigPath)
	require.NoError(t, err)
	assert.Equal(t, "dev", written.CurrentContext)
	assert.Equal(t, session.ProxyURL, written.Clusters["dev"].Server)
	assert.Equal(t, session.Token, written.AuthInfos["dev"].Token)
	assert.Equal(t, "team", written.Contexts["dev"].Namespace)

	client := proxyClient(t, h)

	t.Run("missing token", func(t *testing.T) {
		resp := proxyGet(t, h, client, "/api/v1/namespaces", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown token", func(t *testing.T) {
		resp := proxyGet(t, h, client, "/api/v1/namespaces", "not-a-session-token")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("session token", func(t *testing.T) {
		resp := proxyGet(t, h, client, "/api/v1/namespaces", session.Token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"kind":"NamespaceList"}`, string(body))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "Bearer "+upstreamToken, gotAuth)
		assert.Equal(t, "/api/v1/namespaces", gotPath)
	})

	require.NoError(t, h.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, h.State())
	_, err = os.Stat(filepath.Dir(session.KubeconfigPath))
	assert.True(t, os.IsNotExist(err))

	_, err = h.ResolveAuthProxyURL()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.KubeconfigPath(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	// Disconnecting twice is a no-op.
	require.NoError(t, h.Disconnect(context.Background()))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.connected)
	assert.Equal(t, 1, metrics.disconnected)
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	h, _ := connectedHandler(t, srv)

	before, err := h.Session()
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	after, err := h.Session()
	require.NoError(t, err)
	assert.Equal(t, before.ProxyURL, after.ProxyURL)
	assert.Equal(t, before.Token, after.Token)
}

func TestSessionTokenRotatesOnExpiry(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	m := NewManager(WithTokenTTL(time.Minute))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev"))
	require.NoError(t, err)
	h := handlers[0]
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.now = clock.Now
	require.NoError(t, h.Connect(context.Background()))

	first, err := h.SessionToken(context.Background())
	require.NoError(t, err)

	clock.Advance(29 * time.Second)
	same, err := h.SessionToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, same)

	clock.Advance(32 * time.Second)
	second, err := h.SessionToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, h.validToken(first))
	assert.True(t, h.validToken(second))

	path, err := h.KubeconfigPath(context.Background())
	require.NoError(t, err)
	written, err := clientcmd.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, second, written.AuthInfos["dev"].Token)
}

// A token close to expiry is replaced before it is handed out, so kubectl
// never starts with a token that runs out mid request.
func TestSessionTokenRotatesBeforeExpiry(t *testing.T) {
	srv := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	m := NewManager(WithTokenTTL(time.Minute))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev"))
	require.NoError(t, err)
	h := handlers[0]
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.now = clock.Now
	require.NoError(t, h.Connect(context.Background()))

	first, err := h.SessionToken(context.Background())
	require.NoError(t, err)

	clock.Advance(59*time.Second + 900*time.Millisecond)
	path, err := h.KubeconfigPath(context.Background())
	require.NoError(t, err)
	written, err := clientcmd.LoadFromFile(path)
	require.NoError(t, err)
	handed := written.AuthInfos["dev"].Token
	assert.NotEqual(t, first, handed)

	session, err := h.Session()
	require.NoError(t, err)
	assert.Equal(t, handed, session.Token)
	assert.GreaterOrEqual(t, session.TokenExpiry.Sub(clock.Now()), h.rotationMargin())

	clock.Advance(200 * time.Millisecond)
	assert.False(t, h.validToken(first))
	resp := proxyGet(t, h, proxyClient(t, h), "/api/v1/pods", handed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRotationMargin(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{ttl: time.Minute, want: 30 * time.Second},
		{ttl: 90 * time.Second, want: 45 * time.Second},
		{ttl: DefaultTokenTTL, want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.ttl.String(), func(t *testing.T) {
			h := &ContextHandler{tokenTTL: tt.ttl}
			assert.Equal(t, tt.want, h.rotationMargin())
		})
	}
}

func TestRefreshKeepsPreviousTokenValid(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	metrics := &recordingMetrics{}
	h, _ := connectedHandler(t, srv, WithMetrics(metrics))

	before, err := h.SessionToken(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Refresh(context.Background()))
	assert.Equal(t, StateConnected, h.State())

	after, err := h.SessionToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.True(t, h.validToken(before))
	assert.True(t, h.validToken(after))
	assert.Equal(t, []string{RefreshResultSuccess}, metrics.refreshResults())
}

func TestRefreshFailureDisconnects(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	metrics := &recordingMetrics{}
	h, _ := connectedHandler(t, srv, WithMetrics(metrics))

	session, err := h.Session()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.SourceKubeconfig(), []byte("{{{ not yaml"), 0o600))

	err = h.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.True(t, h.Failed())
	assert.Equal(t, StateDisconnected, h.State())
	assert.ErrorIs(t, h.LastError(), ErrRefreshFailed)
	assert.Equal(t, []string{RefreshResultFailure}, metrics.refreshResults())

	_, err = os.Stat(filepath.Dir(session.KubeconfigPath))
	assert.True(t, os.IsNotExist(err))
}

func TestRefreshRequiresConnection(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	m := NewManager()
	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev"))
	require.NoError(t, err)

	err = handlers[0].Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)

	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, StateDisconnected, stateErr.From)
	assert.Equal(t, StateRefreshing, stateErr.To)
}

func TestConnectFailure(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	m := NewManager()
	path := writeSourceKubeconfig(t, srv, "dev")
	handlers, err := m.LoadKubeconfig(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	h := handlers[0]
	err = h.Connect(context.Background())
	require.Error(t, err)

	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, `failed to connect to cluster "dev"`, connectErr.UserFacingError())
	assert.Equal(t, StateDisconnected, h.State())
	assert.Equal(t, err, h.LastError())
}

// An upstream 401 makes the handler reload its credentials in the background.
func TestUpstreamUnauthorizedTriggersRefresh(t *testing.T) {
	var mu sync.Mutex
	rejected := false
	srv := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !rejected {
			rejected = true
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	metrics := &recordingMetrics{}
	h, _ := connectedHandler(t, srv, WithMetrics(metrics))
	token, err := h.SessionToken(context.Background())
	require.NoError(t, err)

	client := proxyClient(t, h)
	resp := proxyGet(t, h, client, "/api/v1/pods", token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(metrics.refreshResults()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{RefreshResultSuccess}, metrics.refreshResults())
	require.Eventually(t, func() bool { return h.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)

	// The token used before the refresh is still accepted.
	resp = proxyGet(t, h, client, "/api/v1/pods", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
