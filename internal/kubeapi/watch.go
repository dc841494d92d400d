package kubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/scheme"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
)

// WatchOptions narrows a watch.
type WatchOptions struct {
	Namespace       string
	ResourceVersion string
	LabelSelector   string
	FieldSelector   string
}

// Event is one decoded watch event. Only Added, Modified and Deleted are delivered.
type Event[T Object] struct {
	Type   watch.EventType
	Object T
}

// Watch is an open watch stream.
type Watch[T Object] struct {
	events chan Event[T]
	cancel context.CancelFunc

	mu              sync.Mutex
	err             error
	resourceVersion string
}

// Events returns the event channel. It is closed when the stream ends.
func (w *Watch[T]) Events() <-chan Event[T] {
	return w.events
}

// Stop aborts the stream.
func (w *Watch[T]) Stop() {
	w.cancel()
}

// Err reports why the stream ended once Events is closed. A nil error means
// the server closed the stream or Stop was called. ErrStaleWatch means the
// caller must re-list before watching again.
func (w *Watch[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// ResourceVersion returns the last resource version seen, bookmarks included.
func (w *Watch[T]) ResourceVersion() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resourceVersion
}

// rawEvent is the wire form of a watch event.
type rawEvent struct {
	Type   watch.EventType `json:"type"`
	Object json.RawMessage `json:"object"`
}

// Watch opens a long lived watch from opts.ResourceVersion. The stream has no
// timeout; it lasts until ctx is done, Stop is called or the server ends it.
func (a *API[T]) Watch(ctx context.Context, opts WatchOptions) (*Watch[T], error) {
	if err := a.ResolveAPIBase(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	body, err := a.client.Get().
		AbsPath(a.ResourcePath(opts.Namespace, "")).
		VersionedParams(&metav1.ListOptions{
			Watch:               true,
			ResourceVersion:     opts.ResourceVersion,
			AllowWatchBookmarks: true,
			LabelSelector:       opts.LabelSelector,
			FieldSelector:       opts.FieldSelector,
		}, scheme.ParameterCodec).
		Stream(ctx)
	if err != nil {
		cancel()
		if IsStaleWatch(err) {
			return nil, fmt.Errorf("%w: %v", ErrStaleWatch, err)
		}
		a.metrics.RecordK8sOperation(ctx, instrumentation.OperationWatch, a.desc.Kind, opts.Namespace,
			instrumentation.StatusError, 0)
		return nil, err
	}

	w := &Watch[T]{
		events:          make(chan Event[T]),
		cancel:          cancel,
		resourceVersion: opts.ResourceVersion,
	}
	go a.receive(ctx, w, body)

	a.logger.Debug("watch opened", logging.Namespace(opts.Namespace),
		logging.ResourceVersion(opts.ResourceVersion))
	return w, nil
}

func (a *API[T]) receive(ctx context.Context, w *Watch[T], body io.ReadCloser) {
	defer close(w.events)
	defer w.cancel()
	defer func() { _ = body.Close() }()

	err := a.decodeStream(ctx, w, json.NewDecoder(body))
	if ctx.Err() != nil {
		err = nil
	}

	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (a *API[T]) decodeStream(ctx context.Context, w *Watch[T], dec *json.Decoder) error {
	for {
		var ev rawEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				return &ParseError{Input: a.desc.Kind + " watch stream", Reason: "invalid event", Err: err}
			}
			return fmt.Errorf("%w for %s: %w", ErrStreamBroken, a.desc.Kind, err)
		}

		switch ev.Type {
		case watch.Added, watch.Modified, watch.Deleted:
			obj, err := a.decode(ev.Object)
			if err != nil {
				return err
			}
			w.mu.Lock()
			w.resourceVersion = obj.ResourceVersion()
			w.mu.Unlock()

			select {
			case w.events <- Event[T]{Type: ev.Type, Object: obj}:
			case <-ctx.Done():
				return nil
			}

		case watch.Bookmark:
			var bookmark struct {
				Metadata struct {
					ResourceVersion string `json:"resourceVersion"`
				} `json:"metadata"`
			}
			if err := json.Unmarshal(ev.Object, &bookmark); err == nil && bookmark.Metadata.ResourceVersion != "" {
				w.mu.Lock()
				w.resourceVersion = bookmark.Metadata.ResourceVersion
				w.mu.Unlock()
			}

		case watch.Error:
			return watchError(ev.Object)

		default:
			a.logger.Debug("ignoring unknown watch event", "type", string(ev.Type))
		}
	}
}

// watchError maps the Status of an ERROR event. 410 means the resource version expired.
func watchError(data json.RawMessage) error {
	var status metav1.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return &ParseError{Input: string(data), Reason: "invalid watch error event", Err: err}
	}
	if status.Code == http.StatusGone ||
		status.Reason == metav1.StatusReasonExpired ||
		status.Reason == metav1.StatusReasonGone {
		return fmt.Errorf("%w: %s", ErrStaleWatch, status.Message)
	}
	status.Status = metav1.StatusFailure
	return apierrors.FromObject(&status)
}
