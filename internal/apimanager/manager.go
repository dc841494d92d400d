package apimanager

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/giantswarm/clusterlink/internal/kubeapi"
	"github.com/giantswarm/clusterlink/internal/logging"
	"github.com/giantswarm/clusterlink/internal/store"
)

// Store is the kind independent view of an object store.
type Store interface {
	API() kubeapi.Interface
	Loaded() bool
	Len() int
	Close()
}

var _ Store = (*store.Store[*kubeapi.KubeObject])(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager maps api bases to APIs and their stores. There is at most one store
// per base, and a store keeps its identity when its API switches to a
// fallback base.
type Manager struct {
	logger *slog.Logger

	mu     sync.RWMutex
	apis   map[string]kubeapi.Interface
	stores map[string]Store
	// subscribed holds the APIs whose rebase notifications are already wired.
	subscribed map[kubeapi.Interface]struct{}
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:     slog.Default(),
		apis:       make(map[string]kubeapi.Interface),
		stores:     make(map[string]Store),
		subscribed: make(map[kubeapi.Interface]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAPI maps base to api. Registering the same pair again is a no-op.
func (m *Manager) RegisterAPI(base string, api kubeapi.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerAPILocked(base, api)
}

func (m *Manager) registerAPILocked(base string, api kubeapi.Interface) {
	if existing, ok := m.apis[base]; ok && existing == api {
		return
	}
	m.apis[base] = api

	if _, ok := m.subscribed[api]; ok {
		return
	}
	m.subscribed[api] = struct{}{}
	api.OnRebase(m.rekey)
}

// RegisterStore registers s under the base of each of apis, or of its own API
// when none are given. An API already served by another store is rebound.
func (m *Manager) RegisterStore(s Store, apis ...kubeapi.Interface) {
	if len(apis) == 0 {
		apis = []kubeapi.Interface{s.API()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, api := range apis {
		base := api.APIBase()
		m.registerAPILocked(base, api)
		if prev, ok := m.stores[base]; ok && prev != s {
			m.logger.Warn("replacing store for api base", logging.APIBase(base))
		}
		m.stores[base] = s
	}
}

// rekey moves the entries under oldBase to newBase.
func (m *Manager) rekey(oldBase, newBase string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if api, ok := m.apis[oldBase]; ok {
		delete(m.apis, oldBase)
		m.apis[newBase] = api
	}
	if s, ok := m.stores[oldBase]; ok {
		delete(m.stores, oldBase)
		m.stores[newBase] = s
	}
	m.logger.Debug("api base rekeyed", slog.String("from", oldBase), logging.APIBase(newBase))
}

// GetAPI returns the API registered for base. base may be any resource path.
func (m *Manager) GetAPI(base string) (kubeapi.Interface, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.apis, base)
}

// GetStore returns the store registered for base. base may be any resource
// path, e.g. an object's selfLink.
func (m *Manager) GetStore(base string) (Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.stores, base)
}

// GetStoreFor returns the store of api, looked up by its current base.
func (m *Manager) GetStoreFor(api kubeapi.Interface) (Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[api.APIBase()]
	return s, ok
}

// Stores returns the registered stores ordered by api base.
func (m *Manager) Stores() []Store {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bases := make([]string, 0, len(m.stores))
	for base := range m.stores {
		bases = append(bases, base)
	}
	slices.Sort(bases)

	seen := make(map[Store]struct{}, len(bases))
	out := make([]Store, 0, len(bases))
	for _, base := range bases {
		s := m.stores[base]
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Close closes every registered store.
func (m *Manager) Close() {
	for _, s := range m.Stores() {
		s.Close()
	}
}

func lookup[V any](entries map[string]V, base string) (V, bool) {
	if v, ok := entries[strings.TrimSuffix(base, "/")]; ok {
		return v, true
	}
	var zero V
	p, err := kubeapi.Parse(base)
	if err != nil || p.APIBase == "" {
		return zero, false
	}
	v, ok := entries[p.APIBase]
	return v, ok
}

// StoreOf returns the typed store registered for base.
func StoreOf[T kubeapi.Object](m *Manager, base string) (*store.Store[T], bool) {
	s, ok := m.GetStore(base)
	if !ok {
		return nil, false
	}
	typed, ok := s.(*store.Store[T])
	return typed, ok
}
