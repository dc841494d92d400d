package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
)

// kubePrefix is the path prefix under which the proxy forwards Kubernetes API calls.
const kubePrefix = "/api-kube"

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// newResponseWriter creates a new responseWriter wrapper.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK, // Default status code
	}
}

// WriteHeader captures the status code before writing the header.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures that a response was written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter to support http.Flusher etc.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetrics creates middleware that records HTTP request metrics.
// It records the total number of requests and request duration for each
// method/path/status combination.
//
// The middleware normalizes paths to prevent high cardinality:
// - /api-kube/{kubernetes path} -> /api-kube/{group version}/{resource}, with
//   the namespace dropped and object names replaced with :name
// - UUID patterns are replaced with :uuid
//
// The provider parameter can be nil, in which case the middleware is a no-op
// that just passes through to the next handler.
func HTTPMetrics(provider *instrumentation.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics recording if provider is nil or disabled
			if provider == nil || !provider.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Wrap the response writer to capture the status code
			wrapped := newResponseWriter(w)

			// Call the next handler
			next.ServeHTTP(wrapped, r)

			// Record the metrics
			duration := time.Since(start)
			path := normalizePath(r.URL.Path)

			provider.Metrics().RecordHTTPRequest(
				r.Context(),
				r.Method,
				path,
				wrapped.statusCode,
				duration,
			)
		})
	}
}

// Regex patterns for path normalization to control metric cardinality
var (
	// UUID pattern (e.g., 550e8400-e29b-41d4-a716-446655440000)
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	// Generic numeric ID pattern in paths
	numericIDPattern = regexp.MustCompile(`/\d+(/|$)`)
)

// normalizePath normalizes URL paths to prevent high cardinality in metrics.
// Kubernetes API paths collapse to their resource; other paths have UUIDs and
// numeric IDs replaced with placeholders.
func normalizePath(path string) string {
	if rest, ok := strings.CutPrefix(path, kubePrefix); ok && (rest == "" || rest[0] == '/') {
		return normalizeKubePath(rest)
	}

	path = uuidPattern.ReplaceAllString(path, ":uuid")
	path = numericIDPattern.ReplaceAllString(path, "/:id$1")
	return path
}

// normalizeKubePath reduces a Kubernetes API path to its group version and
// resource. Namespaces are dropped and object names become :name, so a
// subresource keeps its own label without one series per object.
func normalizeKubePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	var n int
	switch segments[0] {
	case "api":
		n = 2
	case "apis":
		n = 3
	default:
		return kubePrefix + "/:other"
	}
	if len(segments) <= n {
		return kubePrefix + "/" + strings.Join(segments, "/")
	}

	out := segments[:n:n]
	rest := segments[n:]
	if rest[0] == "namespaces" && len(rest) > 2 {
		rest = rest[2:]
	}
	out = append(out, rest[0])
	if len(rest) > 1 {
		out = append(out, ":name")
	}
	if len(rest) > 2 {
		out = append(out, rest[2])
	}
	return kubePrefix + "/" + strings.Join(out, "/")
}
