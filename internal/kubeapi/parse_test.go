package kubeapi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		path string
		want Parsed
	}{
		{
			name: "cluster scoped object with group",
			path: "/apis/rbac.authorization.k8s.io/v1/clusterrolebindings/foo",
			want: Parsed{
				APIPrefix:           "/apis",
				APIGroup:            "rbac.authorization.k8s.io",
				APIVersion:          "v1",
				APIVersionWithGroup: "rbac.authorization.k8s.io/v1",
				Resource:            "clusterrolebindings",
				Name:                "foo",
				APIBase:             "/apis/rbac.authorization.k8s.io/v1/clusterrolebindings",
			},
		},
		{
			name: "namespaced core object",
			path: "/api/v1/namespaces/default/configmaps/my-cm",
			want: Parsed{
				APIPrefix:           "/api",
				APIVersion:          "v1",
				APIVersionWithGroup: "v1",
				Namespace:           "default",
				Resource:            "configmaps",
				Name:                "my-cm",
				APIBase:             "/api/v1/configmaps",
			},
		},
		{
			name: "namespaced collection with group",
			path: "/apis/apps/v1/namespaces/kube-system/deployments",
			want: Parsed{
				APIPrefix:           "/apis",
				APIGroup:            "apps",
				APIVersion:          "v1",
				APIVersionWithGroup: "apps/v1",
				Namespace:           "kube-system",
				Resource:            "deployments",
				APIBase:             "/apis/apps/v1/deployments",
			},
		},
		{
			name: "namespaces collection",
			path: "/api/v1/namespaces",
			want: Parsed{
				APIPrefix:           "/api",
				APIVersion:          "v1",
				APIVersionWithGroup: "v1",
				Resource:            "namespaces",
				APIBase:             "/api/v1/namespaces",
			},
		},
		{
			name: "single namespace",
			path: "/api/v1/namespaces/default",
			want: Parsed{
				APIPrefix:           "/api",
				APIVersion:          "v1",
				APIVersionWithGroup: "v1",
				Resource:            "namespaces",
				Name:                "default",
				APIBase:             "/api/v1/namespaces",
			},
		},
		{
			name: "core collection",
			path: "/api/v1/pods",
			want: Parsed{
				APIPrefix:           "/api",
				APIVersion:          "v1",
				APIVersionWithGroup: "v1",
				Resource:            "pods",
				APIBase:             "/api/v1/pods",
			},
		},
		{
			name: "version only",
			path: "/api/v1",
			want: Parsed{
				APIPrefix:           "/api",
				APIVersion:          "v1",
				APIVersionWithGroup: "v1",
				APIBase:             "/api/v1",
			},
		},
		{
			name: "full url with query",
			path: "https://localhost:8443/api/v1/namespaces/default/pods?watch=1",
			want: Parsed{
				APIPrefix:           "/api",
				APIVersion:          "v1",
				APIVersionWithGroup: "v1",
				Namespace:           "default",
				Resource:            "pods",
				APIBase:             "/api/v1/pods",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// The heuristic branch is ambiguous by nature; these literals pin its behavior.
func TestParseHeuristic(t *testing.T) {
	tests := []struct {
		path         string
		wantGroup    string
		wantVersion  string
		wantResource string
		wantName     string
	}{
		{"/apis/apps/v1/deployments", "apps", "v1", "deployments", ""},
		{"/apis/metrics.k8s.io/v1beta1/nodes", "metrics.k8s.io", "v1beta1", "nodes", ""},
		{"/api/v1/nodes/node-1", "", "v1", "nodes", "node-1"},
		{"/apis/example.com/v1/widgets/a/status", "example.com", "v1", "widgets/a/status", ""},
		{"/apis/stable/beta/things/x/y", "", "stable", "beta", "things"},
		{"/apis/apps/v1", "", "apps", "v1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Parse(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantGroup, got.APIGroup)
			assert.Equal(t, tt.wantVersion, got.APIVersion)
			assert.Equal(t, tt.wantResource, got.Resource)
			assert.Equal(t, tt.wantName, got.Name)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, path := range []string{"", "/", "/api"} {
		t.Run(path, func(t *testing.T) {
			_, err := Parse(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))

			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name  string
		parts URLParts
		want  string
	}{
		{
			name:  "default prefix",
			parts: URLParts{APIVersion: "apps/v1", Resource: "deployments"},
			want:  "/apis/apps/v1/deployments",
		},
		{
			name:  "namespaced object",
			parts: URLParts{APIPrefix: "/api", APIVersion: "v1", Namespace: "default", Resource: "configmaps", Name: "cm"},
			want:  "/api/v1/namespaces/default/configmaps/cm",
		},
		{
			name:  "cluster scoped object",
			parts: URLParts{APIVersion: "rbac.authorization.k8s.io/v1", Resource: "clusterrolebindings", Name: "foo"},
			want:  "/apis/rbac.authorization.k8s.io/v1/clusterrolebindings/foo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildURL(tt.parts))
		})
	}
}

func TestParseBuildRoundTrip(t *testing.T) {
	cases := []URLParts{
		{APIPrefix: "/api", APIVersion: "v1", Resource: "pods"},
		{APIPrefix: "/api", APIVersion: "v1", Resource: "pods", Namespace: "default"},
		{APIPrefix: "/api", APIVersion: "v1", Resource: "pods", Namespace: "default", Name: "web-0"},
		{APIPrefix: "/apis", APIVersion: "apps/v1", Resource: "deployments"},
		{APIPrefix: "/apis", APIVersion: "apps/v1", Resource: "deployments", Namespace: "team-a", Name: "api"},
		{APIPrefix: "/apis", APIVersion: "rbac.authorization.k8s.io/v1", Resource: "clusterrolebindings", Name: "admin"},
		{APIPrefix: "/apis", APIVersion: "networking.k8s.io/v1", Resource: "ingresses", Namespace: "x", Name: "y"},
		{APIPrefix: "/apis", APIVersion: "example.com/v1alpha1", Resource: "widgets"},
	}

	for _, parts := range cases {
		t.Run(BuildURL(parts), func(t *testing.T) {
			parsed, err := Parse(BuildURL(parts))
			require.NoError(t, err)
			assert.Equal(t, parts, parsed.URLParts())
		})
	}
}
