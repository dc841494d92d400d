package kubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
)

// DefaultRequestTimeout bounds one-shot calls (list, get, create, update, patch, delete).
// Watches are not bounded.
const DefaultRequestTimeout = 30 * time.Second

// Descriptor describes one resource kind and how to decode it.
type Descriptor[T Object] struct {
	Kind       string
	Namespaced bool

	// APIBase is the preferred {prefix}/{group}/{version}/{resource} path.
	APIBase string

	// FallbackAPIBases are tried in order when the server does not serve APIBase.
	FallbackAPIBases []string

	Decode func(data []byte) (T, error)
}

// RebaseFunc is called when an API permanently switches to a fallback base.
type RebaseFunc func(oldBase, newBase string)

// Interface is the kind independent view of an API.
type Interface interface {
	Kind() string
	Namespaced() bool
	APIBase() string
	OnRebase(fn RebaseFunc)
}

// MetricsRecorder records the outcome of API calls.
type MetricsRecorder interface {
	RecordK8sOperation(ctx context.Context, operation, resourceType, namespace, status string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordK8sOperation(context.Context, string, string, string, string, time.Duration) {}

type options struct {
	logger         *slog.Logger
	metrics        MetricsRecorder
	requestTimeout time.Duration
}

// Option configures an API.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// ListOptions narrows a list call.
type ListOptions struct {
	Namespace     string
	LabelSelector string
	FieldSelector string
	Limit         int64
}

// List is the result of a list call.
type List[T Object] struct {
	Items []T

	// ResourceVersion is the list's version, the starting point for a watch.
	ResourceVersion string
}

// API is the client for one resource kind.
type API[T Object] struct {
	desc           Descriptor[T]
	client         rest.Interface
	logger         *slog.Logger
	metrics        MetricsRecorder
	requestTimeout time.Duration

	mu        sync.RWMutex
	parsed    Parsed
	resolved  bool
	listeners []RebaseFunc

	probe singleflight.Group
}

var _ Interface = (*API[*KubeObject])(nil)

// NewAPI creates an API for the resource described by desc.
func NewAPI[T Object](client rest.Interface, desc Descriptor[T], opts ...Option) (*API[T], error) {
	if client == nil {
		return nil, errors.New("rest client is required")
	}
	if desc.Kind == "" {
		return nil, errors.New("descriptor kind is required")
	}
	if desc.Decode == nil {
		return nil, fmt.Errorf("descriptor for %s has no decode function", desc.Kind)
	}

	parsed, err := Parse(desc.APIBase)
	if err != nil {
		return nil, fmt.Errorf("invalid api base for %s: %w", desc.Kind, err)
	}
	for _, base := range desc.FallbackAPIBases {
		if _, err := Parse(base); err != nil {
			return nil, fmt.Errorf("invalid fallback api base for %s: %w", desc.Kind, err)
		}
	}

	o := options{
		logger:         slog.Default(),
		metrics:        noopMetrics{},
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &API[T]{
		desc:           desc,
		client:         client,
		logger:         o.logger.With(logging.ResourceType(desc.Kind)),
		metrics:        o.metrics,
		requestTimeout: o.requestTimeout,
		parsed:         parsed,
		resolved:       len(desc.FallbackAPIBases) == 0,
	}, nil
}

// NewRESTClient returns a RESTClient suitable for NewAPI. The config's host may
// carry a path prefix; every request path is appended to it.
func NewRESTClient(cfg *rest.Config) (*rest.RESTClient, error) {
	c := rest.CopyConfig(cfg)
	c.APIPath = "/api"
	c.GroupVersion = &schema.GroupVersion{Version: "v1"}
	c.NegotiatedSerializer = scheme.Codecs.WithoutConversion()
	// Watches must not be cut by a client timeout; one-shot calls set their own.
	c.Timeout = 0
	if c.UserAgent == "" {
		c.UserAgent = rest.DefaultKubernetesUserAgent()
	}
	return rest.RESTClientFor(c)
}

// Kind returns the resource kind.
func (a *API[T]) Kind() string { return a.desc.Kind }

// Namespaced reports whether the resource is namespace scoped.
func (a *API[T]) Namespaced() bool { return a.desc.Namespaced }

// APIBase returns the api base currently in use.
func (a *API[T]) APIBase() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.parsed.APIBase
}

// Parsed returns the parsed api base currently in use.
func (a *API[T]) Parsed() Parsed {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.parsed
}

// OnRebase registers fn to be called when the API switches to a fallback base.
func (a *API[T]) OnRebase(fn RebaseFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// ResolveAPIBase settles which api base the server serves. The preferred base
// is probed first, then each fallback in order; the first one served becomes
// permanent. Concurrent callers share one probe, which a caller giving up
// does not cancel.
func (a *API[T]) ResolveAPIBase(ctx context.Context) error {
	a.mu.RLock()
	resolved := a.resolved
	a.mu.RUnlock()
	if resolved {
		return nil
	}

	ch := a.probe.DoChan("resolve", func() (any, error) {
		return nil, a.resolve(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *API[T]) resolve(ctx context.Context) error {
	candidates := a.desc.Candidates()

	var lastErr error
	for _, base := range candidates {
		err := a.probeBase(ctx, base)
		if err == nil {
			a.switchTo(base)
			return nil
		}
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to probe api base %s: %w", base, err)
		}
		a.logger.Debug("api base not served", logging.APIBase(base))
		lastErr = err
	}

	return &VersionNegotiationError{Kind: a.desc.Kind, Candidates: candidates, Err: lastErr}
}

// probeBase asks the discovery endpoint of base's group version whether it serves the resource.
func (a *API[T]) probeBase(ctx context.Context, base string) error {
	_, err := Discover(ctx, a.client, base, a.requestTimeout)
	return err
}

func (a *API[T]) switchTo(base string) {
	parsed, _ := Parse(base)

	a.mu.Lock()
	old := a.parsed.APIBase
	a.parsed = parsed
	a.resolved = true
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	if old == base {
		return
	}
	a.logger.Info("switched to fallback api base",
		slog.String("from", old), logging.APIBase(base))
	for _, fn := range listeners {
		fn(old, base)
	}
}

// ResourcePath returns the path of the collection (name empty) or of one object.
func (a *API[T]) ResourcePath(namespace, name string) string {
	p := a.Parsed()
	if !a.desc.Namespaced {
		namespace = ""
	}
	return BuildURL(URLParts{
		APIPrefix:  p.APIPrefix,
		APIVersion: p.APIVersionWithGroup,
		Resource:   p.Resource,
		Namespace:  namespace,
		Name:       name,
	})
}

// List lists objects, cluster wide when opts.Namespace is empty.
func (a *API[T]) List(ctx context.Context, opts ListOptions) (*List[T], error) {
	if err := a.ResolveAPIBase(ctx); err != nil {
		return nil, err
	}

	req := a.client.Get().
		AbsPath(a.ResourcePath(opts.Namespace, "")).
		VersionedParams(&metav1.ListOptions{
			LabelSelector: opts.LabelSelector,
			FieldSelector: opts.FieldSelector,
			Limit:         opts.Limit,
		}, scheme.ParameterCodec)

	data, err := a.do(ctx, instrumentation.OperationList, opts.Namespace, "", req)
	if err != nil {
		return nil, err
	}
	return a.decodeList(data)
}

// Get fetches one object. A missing object is reported as a NotFound status error.
func (a *API[T]) Get(ctx context.Context, name, namespace string) (T, error) {
	var zero T
	if err := a.ResolveAPIBase(ctx); err != nil {
		return zero, err
	}

	data, err := a.do(ctx, instrumentation.OperationGet, namespace, name,
		a.client.Get().AbsPath(a.ResourcePath(namespace, name)))
	if err != nil {
		return zero, err
	}
	return a.decode(data)
}

// Create creates an object. body is either raw JSON or a value marshalled to JSON.
func (a *API[T]) Create(ctx context.Context, namespace string, body any) (T, error) {
	var zero T
	if err := a.ResolveAPIBase(ctx); err != nil {
		return zero, err
	}
	payload, err := marshalBody(body)
	if err != nil {
		return zero, err
	}

	data, err := a.do(ctx, instrumentation.OperationCreate, namespace, "",
		a.client.Post().AbsPath(a.ResourcePath(namespace, "")).Body(payload))
	if err != nil {
		return zero, err
	}
	return a.decode(data)
}

// Update replaces an object.
func (a *API[T]) Update(ctx context.Context, name, namespace string, body any) (T, error) {
	var zero T
	if err := a.ResolveAPIBase(ctx); err != nil {
		return zero, err
	}
	payload, err := marshalBody(body)
	if err != nil {
		return zero, err
	}

	data, err := a.do(ctx, instrumentation.OperationUpdate, namespace, name,
		a.client.Put().AbsPath(a.ResourcePath(namespace, name)).Body(payload))
	if err != nil {
		return zero, err
	}
	return a.decode(data)
}

// Patch patches an object with the given patch type.
func (a *API[T]) Patch(ctx context.Context, name, namespace string, pt types.PatchType, patch []byte) (T, error) {
	var zero T
	if err := a.ResolveAPIBase(ctx); err != nil {
		return zero, err
	}

	data, err := a.do(ctx, instrumentation.OperationPatch, namespace, name,
		a.client.Patch(pt).AbsPath(a.ResourcePath(namespace, name)).Body(patch))
	if err != nil {
		return zero, err
	}
	return a.decode(data)
}

// Delete deletes an object with background propagation.
func (a *API[T]) Delete(ctx context.Context, name, namespace string) error {
	if err := a.ResolveAPIBase(ctx); err != nil {
		return err
	}

	propagation := metav1.DeletePropagationBackground
	payload, err := json.Marshal(metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil {
		return err
	}

	_, err = a.do(ctx, instrumentation.OperationDelete, namespace, name,
		a.client.Delete().AbsPath(a.ResourcePath(namespace, name)).Body(payload))
	return err
}

// do runs a one-shot request with the request timeout, tracing and metrics.
func (a *API[T]) do(ctx context.Context, operation, namespace, name string, req *rest.Request) ([]byte, error) {
	ctx, span := instrumentation.StartK8sSpan(ctx, operation, a.desc.Kind, namespace,
		instrumentation.NewSpanAttributeBuilder().
			WithAPIBase(a.APIBase()).
			WithResource("", name).
			Build()...)
	defer span.End()

	start := time.Now()
	data, err := req.Timeout(a.requestTimeout).DoRaw(ctx)
	if err == nil {
		err = statusFromPayload(data)
	}

	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
		a.logger.Debug("kubernetes request failed",
			logging.Operation(operation), logging.Namespace(namespace), logging.ResourceName(name),
			logging.TraceID(instrumentation.GetTraceID(ctx)), logging.SanitizedErr(err))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	a.metrics.RecordK8sOperation(ctx, operation, a.desc.Kind, namespace, status, time.Since(start))

	if err != nil {
		return nil, err
	}
	return data, nil
}

func (a *API[T]) decodeList(data []byte) (*List[T], error) {
	var raw struct {
		APIVersion string `json:"apiVersion"`
		Metadata   struct {
			ResourceVersion string `json:"resourceVersion"`
		} `json:"metadata"`
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Input: string(data), Reason: "invalid list", Err: err}
	}

	apiVersion := raw.APIVersion
	if apiVersion == "" {
		apiVersion = a.Parsed().APIVersionWithGroup
	}

	list := &List[T]{
		Items:           make([]T, 0, len(raw.Items)),
		ResourceVersion: raw.Metadata.ResourceVersion,
	}
	for _, item := range raw.Items {
		obj, err := a.decode(withTypeMeta(item, a.desc.Kind, apiVersion))
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, obj)
	}
	return list, nil
}

// decode runs the descriptor's decode function and fills in the self link.
func (a *API[T]) decode(data []byte) (T, error) {
	obj, err := a.desc.Decode(data)
	if err != nil {
		var zero T
		return zero, err
	}
	obj.Base().ensureSelfLink(a.Parsed())
	return obj, nil
}

// withTypeMeta adds kind and apiVersion to list items, which the server leaves out.
func withTypeMeta(item json.RawMessage, kind, apiVersion string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return item
	}

	changed := false
	if _, ok := fields["kind"]; !ok {
		fields["kind"], _ = json.Marshal(kind)
		changed = true
	}
	if _, ok := fields["apiVersion"]; !ok {
		fields["apiVersion"], _ = json.Marshal(apiVersion)
		changed = true
	}
	if !changed {
		return item
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return item
	}
	return out
}

func marshalBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, nil
	}
}
