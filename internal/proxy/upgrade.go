package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/logging"
)

const connectionErrorResponse = "HTTP/1.1 500 Connection error\r\n\r\n"

// skipUpgradeHeaders are replaced with session values on upgraded requests.
var skipUpgradeHeaders = map[string]bool{
	"Host":          true,
	"Authorization": true,
}

// serveUpgrade takes over the client connection and pipes it to a raw TLS
// connection to the auth proxy. It returns when either side is done.
func (p *Proxy) serveUpgrade(w http.ResponseWriter, r *http.Request, h *cluster.ContextHandler) {
	ctx := r.Context()
	target, token, t, err := p.session(ctx, h)
	if err != nil {
		http.Error(w, userFacing(err), http.StatusServiceUnavailable)
		return
	}

	clientConn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		p.logger.Warn("cannot take over connection for upgrade", logging.Cluster(h.ID()), logging.Err(err))
		http.Error(w, "connection upgrade not supported", http.StatusInternalServerError)
		return
	}
	_ = clientConn.SetDeadline(time.Time{})
	setKeepAlive(clientConn)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second},
		Config:    t.tlsConfig.Clone(),
	}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", target.Host)
	if err != nil {
		p.logger.Warn("failed to dial auth proxy for upgrade",
			logging.Cluster(h.ID()), logging.SanitizedErr(err))
		_, _ = io.WriteString(clientConn, connectionErrorResponse)
		_ = clientConn.Close()
		return
	}

	head, err := upgradeRequest(r, target.Host, token, brw.Reader)
	if err == nil {
		_, err = upstreamConn.Write(head)
	}
	if err != nil {
		p.logger.Warn("failed to forward upgrade request", logging.Cluster(h.ID()), logging.Err(err))
		_, _ = io.WriteString(clientConn, connectionErrorResponse)
		_ = clientConn.Close()
		_ = upstreamConn.Close()
		return
	}

	p.metrics.IncrementActiveUpgrades(ctx)
	defer p.metrics.DecrementActiveUpgrades(ctx)

	p.logger.Debug("connection upgraded", logging.Cluster(h.ID()), logging.Operation(r.Method))
	pipe(clientConn, upstreamConn)
}

// upgradeRequest renders the request line, the client's headers with Host
// and Authorization taken from the session, and any bytes the client sent
// after its headers.
func upgradeRequest(r *http.Request, host, token string, buffered *bufio.Reader) ([]byte, error) {
	var b bytes.Buffer
	uri := strings.TrimPrefix(r.URL.RequestURI(), APIKubePrefix)
	if uri == "" || uri[0] != '/' {
		uri = "/" + uri
	}

	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, uri)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	for key, values := range r.Header {
		if skipUpgradeHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	fmt.Fprintf(&b, "Authorization: Bearer %s\r\n\r\n", token)

	if n := buffered.Buffered(); n > 0 {
		rest, err := buffered.Peek(n)
		if err != nil {
			return nil, err
		}
		b.Write(rest)
	}
	return b.Bytes(), nil
}

// pipe copies in both directions until one side finishes, then closes both.
func pipe(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		_, _ = io.Copy(a, b)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		_, _ = io.Copy(b, a)
	}()
	wg.Wait()
}

func setKeepAlive(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
	}
}
