package cluster

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"

	"k8s.io/apimachinery/pkg/util/httpstream"

	"github.com/giantswarm/clusterlink/internal/logging"
)

// errNoUpstream is returned by the auth proxy transport after disconnect.
var errNoUpstream = errors.New("cluster has no upstream transport")

// authProxy returns the handler of the local auth proxy. It accepts only
// requests carrying a valid session token, which it strips before forwarding
// with the upstream credentials.
func (h *ContextHandler) authProxy() http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if up := h.upstream.Load(); up != nil {
				pr.SetURL(up.target)
			}
			pr.Out.Header.Del("Authorization")
		},
		Transport:     upstreamTransport{h: h},
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				h.logger.Info("upstream rejected credentials, refreshing",
					logging.Status(resp.Status))
				h.refreshInBackground()
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("auth proxy request failed", logging.SanitizedErr(err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.validToken(bearerToken(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clusterlink"`)
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		proxy.ServeHTTP(w, r)
	})
}

// upstreamTransport forwards to whatever upstream is current, so a refresh
// takes effect for the next request without restarting the auth proxy.
type upstreamTransport struct {
	h *ContextHandler
}

func (t upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	up := t.h.upstream.Load()
	if up == nil {
		return nil, errNoUpstream
	}
	if httpstream.IsUpgradeRequest(req) {
		return up.upgrades.RoundTrip(req)
	}
	return up.transport.RoundTrip(req)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
