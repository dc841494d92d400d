package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/giantswarm/clusterlink/internal/kubeapi"
	"github.com/giantswarm/clusterlink/internal/logging"
)

// ErrClosed is returned by LoadAll after Close.
var ErrClosed = errors.New("store is closed")

// Default reconnect backoff for watches that end with a non-410 error.
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// MetricsRecorder records store activity.
type MetricsRecorder interface {
	RecordWatchEvent(ctx context.Context, apiBase, eventType string)
	RecordStoreResync(ctx context.Context, apiBase, reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordWatchEvent(context.Context, string, string)  {}
func (noopMetrics) RecordStoreResync(context.Context, string, string) {}

type options struct {
	logger         *slog.Logger
	metrics        MetricsRecorder
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Store.
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

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.initialBackoff = initial
		}
		if maxInterval > 0 {
			o.maxBackoff = maxInterval
		}
	}
}

// Disposer ends a subscription. Calling it more than once is a no-op.
type Disposer func()

// Store is an in-memory, insertion ordered collection of the objects served
// by one API. Its contents change only through list results and watch events.
type Store[T kubeapi.Object] struct {
	api     *kubeapi.API[T]
	logger  *slog.Logger
	metrics MetricsRecorder

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu            sync.RWMutex
	items         *orderedmap.OrderedMap[string, T]
	bySelfLink    map[string]string
	loaded        bool
	failedLoading bool
	watchErr      error
	// versions holds list resource versions per scope key that no watch has
	// started from yet.
	versions map[string]string

	loads singleflight.Group

	subMu  sync.Mutex
	scopes map[string]*scope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	changes chan struct{}
}

type scope struct {
	refs   int
	cancel context.CancelFunc
	// err is set once the scope's watch gave up.
	err error
}

type loadResult[T kubeapi.Object] struct {
	items    []T
	versions map[string]string
}

// New creates a store backed by api.
func New[T kubeapi.Object](api *kubeapi.API[T], opts ...Option) *Store[T] {
	o := options{
		logger:         slog.Default(),
		metrics:        noopMetrics{},
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store[T]{
		api:            api,
		logger:         o.logger.With(logging.ResourceType(api.Kind())),
		metrics:        o.metrics,
		initialBackoff: o.initialBackoff,
		maxBackoff:     o.maxBackoff,
		items:          orderedmap.New[string, T](),
		bySelfLink:     make(map[string]string),
		versions:       make(map[string]string),
		scopes:         make(map[string]*scope),
		ctx:            ctx,
		cancel:         cancel,
		changes:        make(chan struct{}, 1),
	}
}

// API returns the API the store reads from.
func (s *Store[T]) API() kubeapi.Interface {
	return s.api
}

// KubeAPI returns the typed API, for callers that need its full method set.
func (s *Store[T]) KubeAPI() *kubeapi.API[T] {
	return s.api
}

// Loaded reports whether at least one load succeeded.
func (s *Store[T]) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// FailedLoading reports whether the last load failed. Cached items are kept.
func (s *Store[T]) FailedLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failedLoading
}

// Changes signals after the item set changed. Signals coalesce: a reader sees
// at least one signal after any number of changes.
func (s *Store[T]) Changes() <-chan struct{} {
	return s.changes
}

// normalize maps a namespace selection to the namespaces actually listed.
// nil means one cluster wide list.
func (s *Store[T]) normalize(namespaces []string) []string {
	if !s.api.Namespaced() {
		return nil
	}
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		if ns != "" {
			out = append(out, ns)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func scopeKey(namespaces []string) string {
	return strings.Join(namespaces, ",")
}

// LoadAll lists the given namespaces (all namespaces when empty) and replaces
// the items of that scope with the result. Concurrent calls for the same
// namespace set share one load and receive the same items.
func (s *Store[T]) LoadAll(ctx context.Context, namespaces []string) ([]T, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}

	res, err := s.loadShared(ctx, s.normalize(namespaces))
	if err != nil {
		return nil, err
	}
	return res.items, nil
}

func (s *Store[T]) load(ctx context.Context, namespaces []string) (*loadResult[T], error) {
	res, err := s.list(ctx, namespaces)
	if err != nil {
		s.mu.Lock()
		s.failedLoading = true
		s.mu.Unlock()
		s.logger.Warn("failed loading objects",
			slog.Any("namespaces", namespaces), logging.SanitizedErr(err))
		return nil, fmt.Errorf("failed to load %s: %w", s.api.Kind(), err)
	}

	s.mu.Lock()
	changed := s.replaceLocked(namespaces, res.items)
	s.loaded = true
	s.failedLoading = false
	s.watchErr = nil
	for key, rv := range res.versions {
		s.versions[key] = rv
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return res, nil
}

func (s *Store[T]) list(ctx context.Context, namespaces []string) (*loadResult[T], error) {
	if len(namespaces) == 0 {
		list, err := s.api.List(ctx, kubeapi.ListOptions{})
		if err != nil {
			return nil, err
		}
		return &loadResult[T]{items: list.Items, versions: map[string]string{"": list.ResourceVersion}}, nil
	}

	lists := make([]*kubeapi.List[T], len(namespaces))
	g, gctx := errgroup.WithContext(ctx)
	for i, ns := range namespaces {
		g.Go(func() error {
			list, err := s.api.List(gctx, kubeapi.ListOptions{Namespace: ns})
			if err != nil {
				return fmt.Errorf("namespace %s: %w", ns, err)
			}
			lists[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &loadResult[T]{versions: make(map[string]string, len(namespaces))}
	for i, list := range lists {
		res.items = append(res.items, list.Items...)
		res.versions[namespaces[i]] = list.ResourceVersion
	}
	return res, nil
}

// replaceLocked upserts items and removes every cached object of the scope
// missing from them. Unchanged objects keep their instance and position.
func (s *Store[T]) replaceLocked(namespaces []string, items []T) bool {
	fresh := make(map[string]struct{}, len(items))
	changed := false
	for _, obj := range items {
		fresh[obj.ID()] = struct{}{}
		if s.upsertLocked(obj) {
			changed = true
		}
	}

	inScope := func(ns string) bool {
		return len(namespaces) == 0 || slices.Contains(namespaces, ns)
	}

	var stale []string
	for pair := s.items.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := fresh[pair.Key]; ok {
			continue
		}
		if inScope(pair.Value.Namespace()) {
			stale = append(stale, pair.Key)
		}
	}
	for _, id := range stale {
		s.removeLocked(id)
		changed = true
	}
	return changed
}

// upsertLocked stores obj. It is a no-op when the same uid is cached at the
// same resource version.
func (s *Store[T]) upsertLocked(obj T) bool {
	id := obj.ID()
	if prev, ok := s.items.Get(id); ok {
		if prev.ResourceVersion() == obj.ResourceVersion() {
			return false
		}
		if link := prev.SelfLink(); link != obj.SelfLink() {
			delete(s.bySelfLink, link)
		}
	}
	s.items.Set(id, obj)
	if link := obj.SelfLink(); link != "" {
		s.bySelfLink[link] = id
	}
	return true
}

func (s *Store[T]) removeLocked(id string) bool {
	prev, ok := s.items.Delete(id)
	if !ok {
		return false
	}
	if link := prev.SelfLink(); s.bySelfLink[link] == id {
		delete(s.bySelfLink, link)
	}
	return true
}

// apply folds one watch event into the store and reports whether it changed anything.
func (s *Store[T]) apply(ev kubeapi.Event[T]) bool {
	s.mu.Lock()
	var changed bool
	switch ev.Type {
	case watch.Added, watch.Modified:
		changed = s.upsertLocked(ev.Object)
	case watch.Deleted:
		changed = s.removeLocked(ev.Object.ID())
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

func (s *Store[T]) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// GetByID returns the object with the given uid.
func (s *Store[T]) GetByID(uid string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Get(uid)
}

// GetByPath returns the object whose selfLink is path.
func (s *Store[T]) GetByPath(path string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	id, ok := s.bySelfLink[path]
	if !ok {
		return zero, false
	}
	return s.items.Get(id)
}

// GetByName returns the object with the given name and namespace.
func (s *Store[T]) GetByName(name, namespace string) (T, bool) {
	return s.first(func(obj T) bool {
		return obj.Name() == name && obj.Namespace() == namespace
	})
}

func (s *Store[T]) first(fn func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for pair := s.items.Oldest(); pair != nil; pair = pair.Next() {
		if fn(pair.Value) {
			return pair.Value, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of cached objects.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Len()
}

// Items returns all cached objects in insertion order.
func (s *Store[T]) Items() []T {
	return s.Filter(func(T) bool { return true })
}

// ItemsIn returns the cached objects in the given namespaces.
func (s *Store[T]) ItemsIn(namespaces ...string) []T {
	if len(namespaces) == 0 {
		return s.Items()
	}
	return s.Filter(func(obj T) bool {
		return slices.Contains(namespaces, obj.Namespace())
	})
}

// Filter returns the cached objects for which fn returns true.
func (s *Store[T]) Filter(fn func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, s.items.Len())
	for pair := s.items.Oldest(); pair != nil; pair = pair.Next() {
		if fn(pair.Value) {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Create creates an object. The store picks the result up from its watch.
func (s *Store[T]) Create(ctx context.Context, namespace string, body any) (T, error) {
	return s.api.Create(ctx, namespace, body)
}

// Update replaces obj with body.
func (s *Store[T]) Update(ctx context.Context, obj T, body any) (T, error) {
	return s.api.Update(ctx, obj.Name(), obj.Namespace(), body)
}

// Patch patches obj.
func (s *Store[T]) Patch(ctx context.Context, obj T, pt types.PatchType, patch []byte) (T, error) {
	return s.api.Patch(ctx, obj.Name(), obj.Namespace(), pt, patch)
}

// Remove deletes obj.
func (s *Store[T]) Remove(ctx context.Context, obj T) error {
	return s.api.Delete(ctx, obj.Name(), obj.Namespace())
}

// Close stops every watch. Later subscriptions are no-ops.
func (s *Store[T]) Close() {
	s.subMu.Lock()
	s.cancel()
	s.scopes = make(map[string]*scope)
	s.subMu.Unlock()
	s.wg.Wait()
}
