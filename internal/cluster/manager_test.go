package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDIsStable(t *testing.T) {
	a := ID("/home/user/.kube/config", "dev")
	assert.Equal(t, a, ID("/home/user/.kube/config", "dev"))
	assert.NotEqual(t, a, ID("/home/user/.kube/config", "prod"))
	assert.NotEqual(t, a, ID("/home/user/.kube/other", "dev"))
	assert.Len(t, a, 32)
}

func TestLoadKubeconfig(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	path := writeSourceKubeconfig(t, srv, "prod", "dev")

	m := NewManager(WithHTTPSProxy("http://proxy.internal:3128"))
	handlers, err := m.LoadKubeconfig(path)
	require.NoError(t, err)
	require.Len(t, handlers, 2)
	assert.Equal(t, "dev", handlers[0].ContextName())
	assert.Equal(t, "prod", handlers[1].ContextName())
	assert.Equal(t, ID(path, "dev"), handlers[0].ID())
	assert.Equal(t, "http://proxy.internal:3128", handlers[0].HTTPSProxy())
	assert.Equal(t, StateDisconnected, handlers[0].State())

	again, err := m.LoadKubeconfig(path)
	require.NoError(t, err)
	assert.Same(t, handlers[0], again[0])
	assert.Same(t, handlers[1], again[1])

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "dev", list[0].ContextName())

	_, err = m.LoadKubeconfig(path + ".missing")
	assert.Error(t, err)
}

func TestClusterForRequest(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	m := NewManager()
	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev"))
	require.NoError(t, err)
	id := handlers[0].ID()

	tests := []struct {
		name    string
		host    string
		header  string
		wantErr bool
	}{
		{name: "host with port", host: id + ".localhost:9000"},
		{name: "host without port", host: id + ".localhost"},
		{name: "header", host: "localhost:9000", header: id},
		{name: "host wins over header", host: id + ".localhost", header: "other"},
		{name: "unknown host", host: "deadbeef.localhost", wantErr: true},
		{name: "nothing", host: "localhost:9000", wantErr: true},
		{name: "nested subdomain", host: "a." + id + ".localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api-kube/api/v1/pods", nil)
			r.Host = tt.host
			if tt.header != "" {
				r.Header.Set(ClusterIDHeader, tt.header)
			}
			h, err := m.ClusterForRequest(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrClusterNotFound)
				return
			}
			require.NoError(t, err)
			assert.Same(t, handlers[0], h)
		})
	}
}

func TestManagerConnectAndRemove(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	m := NewManager()
	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev"))
	require.NoError(t, err)
	id := handlers[0].ID()

	_, err = m.Connect(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrClusterNotFound)

	h, err := m.Connect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.State())

	require.NoError(t, m.Disconnect(context.Background(), id))
	assert.Equal(t, StateDisconnected, h.State())

	_, err = m.Connect(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, m.Remove(context.Background(), id))
	assert.Equal(t, StateDisconnected, h.State())

	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrClusterNotFound)
	assert.ErrorIs(t, m.Remove(context.Background(), id), ErrClusterNotFound)
}

func TestManagerClose(t *testing.T) {
	srv := newUpstream(t, http.NotFoundHandler())
	m := NewManager()
	handlers, err := m.LoadKubeconfig(writeSourceKubeconfig(t, srv, "dev", "prod"))
	require.NoError(t, err)
	for _, h := range handlers {
		require.NoError(t, h.Connect(context.Background()))
	}

	require.NoError(t, m.Close(context.Background()))
	for _, h := range handlers {
		assert.Equal(t, StateDisconnected, h.State())
	}

	_, err = m.Get(handlers[0].ID())
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.LoadKubeconfig(handlers[0].SourceKubeconfig())
	assert.ErrorIs(t, err, ErrManagerClosed)
	require.NoError(t, m.Close(context.Background()))
}
