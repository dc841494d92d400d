package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/kubeapi"
	"github.com/giantswarm/clusterlink/internal/logging"
)

// maxAuthRetries is how many consecutive 401/403 watch failures are retried,
// giving the cluster session time to refresh its credentials.
const maxAuthRetries = 3

// Subscribe keeps the given namespaces (the whole cluster when empty) in sync
// with the server. Each namespace has one shared watch; it stops when the last
// subscriber disposes. Subscribing to a scope whose watch gave up restarts it.
func (s *Store[T]) Subscribe(namespaces ...string) Disposer {
	keys := s.normalize(namespaces)
	if len(keys) == 0 {
		keys = []string{""}
	}

	s.subMu.Lock()
	if s.ctx.Err() != nil {
		s.subMu.Unlock()
		return func() {}
	}
	for _, key := range keys {
		sc, ok := s.scopes[key]
		if !ok {
			sc = &scope{}
			s.scopes[key] = sc
			s.startLocked(key, sc)
		} else if sc.err != nil {
			s.startLocked(key, sc)
		}
		sc.refs++
	}
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.release(keys) })
	}
}

// startLocked runs the watch loop of sc. subMu must be held.
func (s *Store[T]) startLocked(key string, sc *scope) {
	if sc.cancel != nil {
		sc.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	sc.cancel = cancel
	sc.err = nil

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(ctx, key); err != nil {
			s.subMu.Lock()
			sc.err = err
			s.subMu.Unlock()
			s.fail(err)
		}
	}()
}

func (s *Store[T]) release(keys []string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, key := range keys {
		sc, ok := s.scopes[key]
		if !ok {
			continue
		}
		sc.refs--
		if sc.refs <= 0 {
			sc.cancel()
			delete(s.scopes, key)
		}
	}
}

// Watching reports how many namespace scopes have an active watch.
func (s *Store[T]) Watching() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	n := 0
	for _, sc := range s.scopes {
		if sc.err == nil {
			n++
		}
	}
	return n
}

// run keeps one scope in sync: list, watch from the list's resource version,
// and after the stream ends re-list once before watching again. A 410 or a
// clean end re-lists right away, transient errors wait with exponential
// backoff. It returns the error that made it give up, nil when ctx ended.
func (s *Store[T]) run(ctx context.Context, namespace string) error {
	logger := s.logger.With(logging.Namespace(namespace))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff

	relist := false
	authFailures := 0
	for {
		err := s.sync(ctx, namespace, relist)
		if ctx.Err() != nil {
			return nil
		}
		relist = true

		reason := instrumentation.ResyncReasonClosed
		var wait time.Duration
		switch {
		case err == nil:
			bo.Reset()
			authFailures = 0
			logger.Debug("watch closed by server, resyncing")
		case kubeapi.IsStaleWatch(err):
			reason = instrumentation.ResyncReasonExpired
			bo.Reset()
			authFailures = 0
			logger.Debug("watch expired, resyncing", logging.Err(err))
		case kubeapi.IsAuthError(err) && authFailures < maxAuthRetries:
			authFailures++
			reason = instrumentation.ResyncReasonError
			wait = bo.NextBackOff()
			logger.Warn("watch rejected, retrying after credential refresh",
				logging.SanitizedErr(err), slog.Int("attempt", authFailures))
		case kubeapi.IsAuthError(err) || !kubeapi.IsRetryable(err):
			logger.Error("watch failed permanently, giving up", logging.SanitizedErr(err))
			return err
		default:
			reason = instrumentation.ResyncReasonError
			wait = bo.NextBackOff()
			logger.Warn("watch failed, resyncing",
				logging.SanitizedErr(err), slog.Duration(logging.KeyDuration, wait))
		}
		s.metrics.RecordStoreResync(ctx, s.api.APIBase(), reason)

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// sync opens the watch of one scope and folds its events into the store
// until the stream ends.
func (s *Store[T]) sync(ctx context.Context, namespace string, relist bool) error {
	w, err := s.open(ctx, namespace, relist)
	if err != nil {
		return err
	}
	defer w.Stop()

	base := s.api.APIBase()
	for ev := range w.Events() {
		if s.apply(ev) {
			s.metrics.RecordWatchEvent(ctx, base, string(ev.Type))
		}
	}
	return w.Err()
}

// open starts the watch of one scope. The first watch of a subscription may
// start from the version of an earlier LoadAll; every later one lists first,
// since the stream it replaces may have missed events.
func (s *Store[T]) open(ctx context.Context, namespace string, relist bool) (*kubeapi.Watch[T], error) {
	ctx, span := instrumentation.StartSpan(ctx, "store.sync",
		instrumentation.NewSpanAttributeBuilder().
			WithAPIBase(s.api.APIBase()).
			WithNamespace(namespace).
			Build()...)
	defer span.End()

	rv, ok := s.takeVersion(namespace)
	if relist || !ok {
		var namespaces []string
		if namespace != "" {
			namespaces = []string{namespace}
		}
		res, err := s.loadShared(ctx, namespaces)
		if err != nil {
			instrumentation.SetSpanError(span, err)
			return nil, err
		}
		rv = res.versions[namespace]
		s.takeVersion(namespace)
		instrumentation.AddSpanEvent(span, "listed",
			instrumentation.NewSpanAttributeBuilder().WithResourceVersion(rv).Build()...)
	}

	w, err := s.api.Watch(ctx, kubeapi.WatchOptions{Namespace: namespace, ResourceVersion: rv})
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return w, nil
}

func (s *Store[T]) loadShared(ctx context.Context, namespaces []string) (*loadResult[T], error) {
	ch := s.loads.DoChan(scopeKey(namespaces), func() (any, error) {
		return s.load(context.WithoutCancel(ctx), namespaces)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*loadResult[T]), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// takeVersion returns and forgets the list version recorded for namespace.
func (s *Store[T]) takeVersion(namespace string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rv, ok := s.versions[namespace]
	if ok {
		delete(s.versions, namespace)
	}
	return rv, ok && rv != ""
}

// fail records the error that stopped a watch and signals subscribers.
func (s *Store[T]) fail(err error) {
	s.mu.Lock()
	s.watchErr = err
	s.failedLoading = true
	s.mu.Unlock()
	s.notify()
}

// Err returns the error that stopped a watch for good, if any. A later
// successful load clears it.
func (s *Store[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watchErr
}
