package apimanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/clusterlink/internal/kubeapi"
	"github.com/giantswarm/clusterlink/internal/store"
)

func newTestClient(t *testing.T, handler http.Handler) rest.Interface {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := kubeapi.NewRESTClient(&rest.Config{Host: srv.URL, QPS: 100, Burst: 100})
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, metav1.Status{
		TypeMeta: metav1.TypeMeta{Kind: "Status", APIVersion: "v1"},
		Status:   metav1.StatusFailure,
		Code:     http.StatusNotFound,
		Reason:   metav1.StatusReasonNotFound,
	})
}

func newConfigMapStore(t *testing.T) *store.Store[*kubeapi.ConfigMap] {
	t.Helper()
	api, err := kubeapi.NewAPI(newTestClient(t, http.HandlerFunc(notFound)), kubeapi.ConfigMapDescriptor())
	require.NoError(t, err)
	s := store.New(api)
	t.Cleanup(s.Close)
	return s
}

// fakeAPI lets tests fire rebase notifications by hand.
type fakeAPI struct {
	mu        sync.Mutex
	base      string
	listeners []kubeapi.RebaseFunc
}

func (f *fakeAPI) Kind() string     { return "Fake" }
func (f *fakeAPI) Namespaced() bool { return true }

func (f *fakeAPI) APIBase() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base
}

func (f *fakeAPI) OnRebase(fn kubeapi.RebaseFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeAPI) rebase(newBase string) {
	f.mu.Lock()
	old := f.base
	f.base = newBase
	listeners := f.listeners
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(old, newBase)
	}
}

func TestRegisterStoreDefaultsToOwnAPI(t *testing.T) {
	m := New()
	s := newConfigMapStore(t)
	m.RegisterStore(s)

	got, ok := m.GetStore("/api/v1/configmaps")
	require.True(t, ok)
	assert.Same(t, s, got)

	api, ok := m.GetAPI("/api/v1/configmaps")
	require.True(t, ok)
	assert.Equal(t, "ConfigMap", api.Kind())

	got, ok = m.GetStoreFor(s.API())
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestGetStoreByResourcePath(t *testing.T) {
	m := New()
	s := newConfigMapStore(t)
	m.RegisterStore(s)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{name: "literal base", path: "/api/v1/configmaps", want: true},
		{name: "trailing slash", path: "/api/v1/configmaps/", want: true},
		{name: "namespaced object", path: "/api/v1/namespaces/default/configmaps/app", want: true},
		{name: "namespaced collection", path: "/api/v1/namespaces/default/configmaps", want: true},
		{name: "other resource", path: "/api/v1/namespaces/default/secrets/app", want: false},
		{name: "other version", path: "/apis/apps/v1/deployments", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.GetStore(tt.path)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Same(t, s, got)
			}
		})
	}
}

func TestTypedStoreOf(t *testing.T) {
	m := New()
	s := newConfigMapStore(t)
	m.RegisterStore(s)

	typed, ok := StoreOf[*kubeapi.ConfigMap](m, "/api/v1/configmaps")
	require.True(t, ok)
	assert.Same(t, s, typed)

	_, ok = StoreOf[*kubeapi.Secret](m, "/api/v1/configmaps")
	assert.False(t, ok)

	_, ok = StoreOf[*kubeapi.ConfigMap](m, "/api/v1/secrets")
	assert.False(t, ok)
}

func TestRebaseMovesEntries(t *testing.T) {
	m := New()
	api := &fakeAPI{base: "/apis/extensions/v1beta1/widgets"}
	m.RegisterAPI(api.APIBase(), api)
	// Registering again must not subscribe twice.
	m.RegisterAPI(api.APIBase(), api)
	assert.Len(t, api.listeners, 1)

	api.rebase("/apis/example.com/v1/widgets")

	_, ok := m.GetAPI("/apis/extensions/v1beta1/widgets")
	assert.False(t, ok)
	got, ok := m.GetAPI("/apis/example.com/v1/widgets")
	require.True(t, ok)
	assert.Same(t, api, got)
}

func TestStoresAreDistinctAndOrdered(t *testing.T) {
	m := New()
	cms := newConfigMapStore(t)

	api, err := kubeapi.NewAPI(newTestClient(t, http.HandlerFunc(notFound)), kubeapi.NamespaceDescriptor())
	require.NoError(t, err)
	ns := store.New(api)
	t.Cleanup(ns.Close)

	m.RegisterStore(ns)
	m.RegisterStore(cms)
	// A second API bound to the same store does not duplicate it.
	alias := &fakeAPI{base: "/api/v1/configmapaliases"}
	m.RegisterStore(cms, alias)

	stores := m.Stores()
	require.Len(t, stores, 2)
	assert.Same(t, cms, stores[0])
	assert.Same(t, ns, stores[1])
}

// A 404 on the preferred group version rekeys the store to the fallback base
// without replacing it.
func TestFallbackKeepsStoreIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/extensions/v1beta1", notFound)
	mux.HandleFunc("GET /apis/networking.k8s.io/v1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metav1.APIResourceList{
			GroupVersion: "networking.k8s.io/v1",
			APIResources: []metav1.APIResource{{Name: "ingresses", Namespaced: true, Kind: "Ingress"}},
		})
	})
	mux.HandleFunc("GET /apis/networking.k8s.io/v1/namespaces/default/ingresses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"apiVersion": "networking.k8s.io/v1",
			"kind":       "IngressList",
			"metadata":   map[string]any{"resourceVersion": "7"},
			"items": []any{map[string]any{
				"metadata": map[string]any{"uid": "i1", "name": "web", "namespace": "default", "resourceVersion": "3"},
			}},
		})
	})

	api, err := kubeapi.NewAPI(newTestClient(t, mux), kubeapi.IngressDescriptor())
	require.NoError(t, err)
	s := store.New(api)
	t.Cleanup(s.Close)

	m := New()
	m.RegisterStore(s)

	before, ok := m.GetStoreFor(api)
	require.True(t, ok)
	assert.Same(t, s, before)

	items, err := s.LoadAll(context.Background(), []string{"default"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, "/apis/networking.k8s.io/v1/ingresses", api.APIBase())

	after, ok := m.GetStoreFor(api)
	require.True(t, ok)
	assert.Same(t, before, after)

	_, ok = m.GetStore("/apis/extensions/v1beta1/ingresses")
	assert.False(t, ok)

	bySelfLink, ok := m.GetStore(items[0].SelfLink())
	require.True(t, ok)
	assert.Same(t, s, bySelfLink)
	assert.Equal(t, 1, bySelfLink.Len())
}
