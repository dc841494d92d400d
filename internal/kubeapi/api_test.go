package kubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
)

func newTestClient(t *testing.T, handler http.Handler) rest.Interface {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewRESTClient(&rest.Config{Host: srv.URL, QPS: 100, Burst: 100})
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeStatus(w http.ResponseWriter, code int, reason metav1.StatusReason, message string) {
	writeJSON(w, code, metav1.Status{
		TypeMeta: metav1.TypeMeta{Kind: "Status", APIVersion: "v1"},
		Status:   metav1.StatusFailure,
		Code:     int32(code),
		Reason:   reason,
		Message:  message,
	})
}

func item(uid, name, namespace, rv string) map[string]any {
	meta := map[string]any{"uid": uid, "name": name, "resourceVersion": rv}
	if namespace != "" {
		meta["namespace"] = namespace
	}
	return map[string]any{"metadata": meta, "data": map[string]string{"k": "v"}}
}

type recordingRebase struct {
	mu    sync.Mutex
	calls [][2]string
}

func (r *recordingRebase) fn(oldBase, newBase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]string{oldBase, newBase})
}

func TestNewAPIValidation(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	_, err := NewAPI(nil, ConfigMapDescriptor())
	assert.Error(t, err)

	desc := ConfigMapDescriptor()
	desc.Decode = nil
	_, err = NewAPI(client, desc)
	assert.Error(t, err)

	desc = ConfigMapDescriptor()
	desc.APIBase = "/api"
	_, err = NewAPI(client, desc)
	assert.True(t, errors.Is(err, ErrParse))

	api, err := NewAPI(client, ConfigMapDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "ConfigMap", api.Kind())
	assert.True(t, api.Namespaced())
	assert.Equal(t, "/api/v1/configmaps", api.APIBase())
}

func TestAPIList(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/namespaces/default/configmaps", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("labelSelector")
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":       "ConfigMapList",
			"apiVersion": "v1",
			"metadata":   map[string]any{"resourceVersion": "100"},
			"items": []any{
				item("u1", "one", "default", "10"),
				item("u2", "two", "default", "11"),
			},
		})
	})

	api, err := NewAPI(newTestClient(t, mux), ConfigMapDescriptor())
	require.NoError(t, err)

	list, err := api.List(context.Background(), ListOptions{Namespace: "default", LabelSelector: "app=web"})
	require.NoError(t, err)

	assert.Equal(t, "app=web", gotQuery)
	assert.Equal(t, "100", list.ResourceVersion)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "ConfigMap", list.Items[0].Kind)
	assert.Equal(t, "v1", list.Items[0].APIVersion)
	assert.Equal(t, "u1", list.Items[0].ID())
	assert.Equal(t, map[string]string{"k": "v"}, list.Items[0].Data)
	assert.Equal(t, "/api/v1/namespaces/default/configmaps/two", list.Items[1].SelfLink())
}

func TestAPIListClusterScopedIgnoresNamespace(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"metadata": map[string]any{"resourceVersion": "1"}, "items": []any{}})
	})

	api, err := NewAPI(newTestClient(t, mux), NamespaceDescriptor())
	require.NoError(t, err)

	_, err = api.List(context.Background(), ListOptions{Namespace: "default"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/namespaces", gotPath)
}

func TestAPIGetNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/namespaces/default/configmaps/missing", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, metav1.StatusReasonNotFound, `configmaps "missing" not found`)
	})

	api, err := NewAPI(newTestClient(t, mux), ConfigMapDescriptor())
	require.NoError(t, err)

	cm, err := api.Get(context.Background(), "missing", "default")
	require.Error(t, err)
	assert.Nil(t, cm)
	assert.True(t, apierrors.IsNotFound(err))

	status, ok := StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, int32(http.StatusNotFound), status.Code)
	assert.Equal(t, metav1.StatusReasonNotFound, status.Reason)
	assert.False(t, IsRetryable(err))
}

func TestAPIErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		reason        metav1.StatusReason
		wantRetryable bool
		wantAuth      bool
	}{
		{"service unavailable", http.StatusServiceUnavailable, metav1.StatusReasonServiceUnavailable, true, false},
		{"internal error", http.StatusInternalServerError, metav1.StatusReasonInternalError, true, false},
		{"unauthorized", http.StatusUnauthorized, metav1.StatusReasonUnauthorized, false, true},
		{"forbidden", http.StatusForbidden, metav1.StatusReasonForbidden, false, true},
		{"conflict", http.StatusConflict, metav1.StatusReasonConflict, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				writeStatus(w, tt.code, tt.reason, tt.name)
			})

			api, err := NewAPI(newTestClient(t, mux), ConfigMapDescriptor())
			require.NoError(t, err)

			_, err = api.Get(context.Background(), "x", "default")
			require.Error(t, err)
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
			assert.Equal(t, tt.wantAuth, IsAuthError(err))
		})
	}
}

func TestAPIRequestTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	client := newTestClient(t, mux)
	t.Cleanup(func() { close(release) })

	api, err := NewAPI(client, ConfigMapDescriptor(), WithRequestTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = api.Get(context.Background(), "slow", "default")
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "unexpected error: %v", err)
}

// A 404 on the preferred group version moves the API to its fallback permanently.
func TestAPIResolveAPIBaseFallback(t *testing.T) {
	var listCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/extensions/v1beta1", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, metav1.StatusReasonNotFound, "not found")
	})
	mux.HandleFunc("GET /apis/networking.k8s.io/v1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metav1.APIResourceList{
			GroupVersion: "networking.k8s.io/v1",
			APIResources: []metav1.APIResource{{Name: "ingresses", Namespaced: true, Kind: "Ingress"}},
		})
	})
	mux.HandleFunc("GET /apis/networking.k8s.io/v1/namespaces/default/ingresses", func(w http.ResponseWriter, r *http.Request) {
		listCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"apiVersion": "networking.k8s.io/v1",
			"metadata":   map[string]any{"resourceVersion": "7"},
			"items":      []any{item("i1", "web", "default", "3")},
		})
	})

	api, err := NewAPI(newTestClient(t, mux), IngressDescriptor())
	require.NoError(t, err)

	rebase := &recordingRebase{}
	api.OnRebase(rebase.fn)
	assert.Equal(t, "/apis/extensions/v1beta1/ingresses", api.APIBase())

	list, err := api.List(context.Background(), ListOptions{Namespace: "default"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	assert.Equal(t, "/apis/networking.k8s.io/v1/ingresses", api.APIBase())
	assert.Equal(t, "networking.k8s.io/v1", list.Items[0].APIVersion)
	assert.Equal(t, "/apis/networking.k8s.io/v1/namespaces/default/ingresses/web", list.Items[0].SelfLink())
	assert.Equal(t, [][2]string{{"/apis/extensions/v1beta1/ingresses", "/apis/networking.k8s.io/v1/ingresses"}}, rebase.calls)

	// The switch is permanent: no further probing or notifications.
	_, err = api.List(context.Background(), ListOptions{Namespace: "default"})
	require.NoError(t, err)
	assert.Len(t, rebase.calls, 1)
	assert.Equal(t, int32(2), listCalls.Load())
}

func TestAPIResolveAPIBaseNoCandidate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, metav1.StatusReasonNotFound, "not found")
	})

	api, err := NewAPI(newTestClient(t, mux), IngressDescriptor())
	require.NoError(t, err)

	err = api.ResolveAPIBase(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionNegotiation))

	var negotiationErr *VersionNegotiationError
	require.True(t, errors.As(err, &negotiationErr))
	assert.Len(t, negotiationErr.Candidates, 2)
	assert.Equal(t, "the cluster does not serve Ingress", negotiationErr.UserFacingError())
	assert.Equal(t, "/apis/extensions/v1beta1/ingresses", api.APIBase())
}

func TestAPIResolveAPIBaseResourceMissingFromGroup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/extensions/v1beta1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metav1.APIResourceList{
			GroupVersion: "extensions/v1beta1",
			APIResources: []metav1.APIResource{{Name: "podsecuritypolicies"}},
		})
	})
	mux.HandleFunc("GET /apis/networking.k8s.io/v1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metav1.APIResourceList{
			APIResources: []metav1.APIResource{{Name: "ingresses"}},
		})
	})

	api, err := NewAPI(newTestClient(t, mux), IngressDescriptor())
	require.NoError(t, err)

	require.NoError(t, api.ResolveAPIBase(context.Background()))
	assert.Equal(t, "/apis/networking.k8s.io/v1/ingresses", api.APIBase())
}

func TestAPIMutations(t *testing.T) {
	type call struct {
		method      string
		path        string
		contentType string
		body        string
	}
	var (
		mu    sync.Mutex
		calls []call
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, call{r.Method, r.URL.Path, r.Header.Get("Content-Type"), string(body)})
		mu.Unlock()

		if r.Method == http.MethodDelete {
			writeJSON(w, http.StatusOK, metav1.Status{
				TypeMeta: metav1.TypeMeta{Kind: "Status", APIVersion: "v1"},
				Status:   metav1.StatusSuccess,
			})
			return
		}
		obj := item("u1", "cm", "default", "2")
		obj["kind"] = "ConfigMap"
		obj["apiVersion"] = "v1"
		writeJSON(w, http.StatusOK, obj)
	})

	api, err := NewAPI(newTestClient(t, mux), ConfigMapDescriptor())
	require.NoError(t, err)
	ctx := context.Background()

	created, err := api.Create(ctx, "default", map[string]any{"metadata": map[string]any{"name": "cm"}})
	require.NoError(t, err)
	assert.Equal(t, "u1", created.ID())

	_, err = api.Update(ctx, "cm", "default", []byte(`{"metadata":{"name":"cm"}}`))
	require.NoError(t, err)

	patch := []byte(`[{"op":"replace","path":"/data/k","value":"w"}]`)
	_, err = api.Patch(ctx, "cm", "default", types.JSONPatchType, patch)
	require.NoError(t, err)

	require.NoError(t, api.Delete(ctx, "cm", "default"))

	require.Len(t, calls, 4)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, "/api/v1/namespaces/default/configmaps", calls[0].path)
	assert.JSONEq(t, `{"metadata":{"name":"cm"}}`, calls[0].body)

	assert.Equal(t, http.MethodPut, calls[1].method)
	assert.Equal(t, "/api/v1/namespaces/default/configmaps/cm", calls[1].path)

	assert.Equal(t, http.MethodPatch, calls[2].method)
	assert.Equal(t, string(types.JSONPatchType), calls[2].contentType)
	assert.Equal(t, string(patch), calls[2].body)

	assert.Equal(t, http.MethodDelete, calls[3].method)
	assert.Contains(t, calls[3].body, `"propagationPolicy":"Background"`)
}

func TestAPIFailureStatusInSuccessResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metav1.Status{
			TypeMeta: metav1.TypeMeta{Kind: "Status", APIVersion: "v1"},
			Status:   metav1.StatusFailure,
			Code:     http.StatusConflict,
			Reason:   metav1.StatusReasonConflict,
			Message:  "conflict",
		})
	})

	api, err := NewAPI(newTestClient(t, mux), ConfigMapDescriptor())
	require.NoError(t, err)

	_, err = api.Get(context.Background(), "x", "default")
	require.Error(t, err)
	assert.True(t, apierrors.IsConflict(err))
}

type countingMetrics struct {
	mu       sync.Mutex
	statuses []string
}

func (m *countingMetrics) RecordK8sOperation(_ context.Context, operation, _, _, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, operation+":"+status)
}

func TestAPIRecordsMetrics(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, metav1.StatusReasonNotFound, "nope")
	})

	metrics := &countingMetrics{}
	api, err := NewAPI(newTestClient(t, mux), ConfigMapDescriptor(), WithMetrics(metrics))
	require.NoError(t, err)

	_, _ = api.Get(context.Background(), "x", "default")
	assert.Equal(t, []string{"get:error"}, metrics.statuses)
}
