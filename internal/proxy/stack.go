package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"sigs.k8s.io/yaml"

	"github.com/giantswarm/clusterlink/internal/applier"
	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/logging"
)

// maxStackBodyBytes bounds /api/stack request bodies.
const maxStackBodyBytes = 10 << 20

var _ StackApplier = (*applier.Applier)(nil)

// routeFunc handles a local route for a resolved cluster. A nil result is
// answered with 204.
type routeFunc func(r *http.Request, h *cluster.ContextHandler) (any, error)

// PatchRequest is the body of PATCH /api/stack.
type PatchRequest struct {
	Name  string          `json:"name"`
	Kind  string          `json:"kind"`
	Patch json.RawMessage `json:"patch"`
	NS    string          `json:"ns,omitempty"`
}

func (p *Proxy) route(fn routeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.appliers == nil {
			http.Error(w, "stack routes are disabled", http.StatusNotImplemented)
			return
		}
		h := p.resolve(w, r)
		if h == nil {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxStackBodyBytes)
		res, err := fn(r, h)

		var processErr *applier.ExternalProcessError
		switch {
		case errors.Is(err, applier.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &processErr):
			http.Error(w, processErr.Stderr, http.StatusUnprocessableEntity)
		case err != nil:
			p.logger.Error("stack route failed", logging.Cluster(h.ID()), logging.Err(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		case res == nil:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(res)
		}
	})
}

func (p *Proxy) patchStack(r *http.Request, h *cluster.ContextHandler) (any, error) {
	var req PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &applier.ValidationError{Field: "body", Reason: "not a JSON object", Err: err}
	}
	if len(req.Patch) == 0 {
		return nil, &applier.ValidationError{Field: "patch", Reason: "required"}
	}

	obj, err := p.appliers(h).Patch(r.Context(), req.Name, req.Kind, req.Patch, req.NS)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj, nil
}

func (p *Proxy) applyStack(r *http.Request, h *cluster.ContextHandler) (any, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &applier.ValidationError{Field: "body", Reason: "unreadable", Err: err}
	}

	var manifest map[string]any
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, &applier.ValidationError{Field: "manifest", Reason: "not a YAML or JSON object", Err: err}
	}

	obj, err := p.appliers(h).Apply(r.Context(), manifest)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj, nil
}
