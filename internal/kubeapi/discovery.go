package kubeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
)

// Discover reads the discovery document of base's group version and returns
// the entry of base's resource. A resource the server does not list is a
// NotFound error.
func Discover(ctx context.Context, client rest.Interface, base string, timeout time.Duration) (*metav1.APIResource, error) {
	p, err := Parse(base)
	if err != nil {
		return nil, err
	}

	data, err := client.Get().
		AbsPath(joinNonEmpty("/", p.APIPrefix, p.APIGroup, p.APIVersion)).
		Timeout(timeout).
		DoRaw(ctx)
	if err != nil {
		return nil, err
	}

	var resources metav1.APIResourceList
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, &ParseError{Input: string(data), Reason: "invalid discovery document", Err: err}
	}
	for _, r := range resources.APIResources {
		if r.Name == p.Resource {
			return &r, nil
		}
	}
	return nil, apierrors.NewNotFound(schema.GroupResource{Group: p.APIGroup, Resource: p.Resource}, "")
}

// DiscoveredDescriptor describes the resource at base as *KubeObject, taking
// its kind and scope from the server's discovery document.
func DiscoveredDescriptor(ctx context.Context, client rest.Interface, base string) (Descriptor[*KubeObject], error) {
	r, err := Discover(ctx, client, base, DefaultRequestTimeout)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Descriptor[*KubeObject]{}, &VersionNegotiationError{Kind: base, Candidates: []string{base}, Err: err}
		}
		return Descriptor[*KubeObject]{}, fmt.Errorf("failed to discover %s: %w", base, err)
	}
	return GenericDescriptor(r.Kind, base, r.Namespaced), nil
}

// Candidates returns the preferred api base followed by the fallbacks.
func (d Descriptor[T]) Candidates() []string {
	return append([]string{d.APIBase}, d.FallbackAPIBases...)
}

// Serves reports whether base is one of the descriptor's api bases.
func (d Descriptor[T]) Serves(base string) bool {
	return slices.Contains(d.Candidates(), base)
}
