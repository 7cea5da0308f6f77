package websocket

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/logging"
	"github.com/wudi/runtime-gateway/internal/middleware"
	"github.com/wudi/runtime-gateway/internal/proxy"
	"github.com/wudi/runtime-gateway/internal/tracing"
)

// Config holds WebSocket proxy configuration
type Config struct {
	WebSocket    config.WebSocketConfig
	PreserveHost bool

	// OnOpen, if set, is called when a tunnel is established and returns
	// the function called when it closes.
	OnOpen func() (closed func())
}

// Proxy tunnels WebSocket upgrades to loopback upstreams via HTTP hijack.
type Proxy struct {
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	closeGrace       time.Duration
	preserveHost     bool
	onOpen           func() func()
}

// NewProxy creates a new WebSocket proxy
func NewProxy(cfg Config) *Proxy {
	dialTimeout := cfg.WebSocket.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	handshakeTimeout := cfg.WebSocket.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}

	closeGrace := cfg.WebSocket.CloseGrace
	if closeGrace <= 0 {
		closeGrace = 2 * time.Second
	}

	return &Proxy{
		dialTimeout:      dialTimeout,
		handshakeTimeout: handshakeTimeout,
		closeGrace:       closeGrace,
		preserveHost:     cfg.PreserveHost,
		onOpen:           cfg.OnOpen,
	}
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return hasToken(r.Header, "Connection", "upgrade") && hasToken(r.Header, "Upgrade", "websocket")
}

func hasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Serve performs the upstream handshake and, on 101, tunnels the
// connection until either side closes. A non-nil error is a
// *errors.GatewayError returned before the client connection was touched.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, t proxy.Target) error {
	dialer := &net.Dialer{Timeout: p.dialTimeout}
	upConn, err := dialer.DialContext(r.Context(), "tcp", t.Upstream.Address)
	if err != nil {
		return errors.ErrBadGateway.
			WithReason(errors.ReasonConnectFailed).
			WithDetails("upstream refused or unreachable").
			WithCause(err)
	}

	resp, upReader, err := p.handshake(r.Context(), upConn, r, t)
	if err != nil {
		upConn.Close()
		return err
	}

	clientConn, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upConn.Close()
		return errors.ErrInternalServer.
			WithReason(errors.ReasonUpgradeUnsupported).
			WithDetails("connection cannot be upgraded").
			WithCause(err)
	}

	// The server may have armed read/write deadlines on the client socket.
	clientConn.SetDeadline(time.Time{})
	upConn.SetDeadline(time.Time{})

	if err := writeSwitchingProtocols(clientBuf.Writer, resp); err != nil {
		clientConn.Close()
		upConn.Close()
		logging.Debug("WebSocket 101 relay failed", zap.Error(err))
		return nil
	}

	p.tunnel(r, t, clientConn, buffered(clientBuf.Reader, clientConn), upConn, upReader)
	return nil
}

// handshake replays the upgrade request upstream and reads the reply.
func (p *Proxy) handshake(ctx context.Context, upConn net.Conn, r *http.Request, t proxy.Target) (*http.Response, io.Reader, error) {
	upConn.SetDeadline(time.Now().Add(p.handshakeTimeout))

	outreq := r.Clone(ctx)
	outreq.Body = nil
	outreq.ContentLength = 0
	outreq.RequestURI = ""

	u := *t.URL
	u.Scheme = "http"
	u.Host = t.Upstream.Address
	outreq.URL = &u
	if !p.preserveHost {
		outreq.Host = t.Upstream.Address
	}

	upgrade := r.Header.Get("Upgrade")
	proxy.RemoveHopHeaders(outreq.Header)
	outreq.Header.Set("Connection", "Upgrade")
	outreq.Header.Set("Upgrade", upgrade)
	proxy.SetForwardedHeaders(r, outreq, t.Prefix)
	tracing.InjectHeaders(outreq, outreq)

	if err := outreq.Write(upConn); err != nil {
		return nil, nil, handshakeFailed(http.StatusBadGateway, "writing upgrade request", err)
	}

	br := bufio.NewReader(upConn)
	resp, err := http.ReadResponse(br, outreq)
	if err != nil {
		return nil, nil, handshakeFailed(http.StatusBadGateway, "reading upgrade response", err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		code := http.StatusBadGateway
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			code = resp.StatusCode
		}
		return nil, nil, handshakeFailed(code, "upstream answered "+resp.Status, nil)
	}
	if !hasToken(resp.Header, "Upgrade", "websocket") {
		return nil, nil, handshakeFailed(http.StatusBadGateway, "upstream switched to another protocol", nil)
	}

	return resp, buffered(br, upConn), nil
}

func handshakeFailed(code int, details string, cause error) *errors.GatewayError {
	e := errors.New(code, http.StatusText(code)).
		WithReason(errors.ReasonHandshakeFailed).
		WithDetails(details)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// writeSwitchingProtocols relays the upstream's 101 with its headers.
func writeSwitchingProtocols(bw *bufio.Writer, resp *http.Response) error {
	bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

// buffered returns a reader that yields whatever br already holds before
// reading from conn directly.
func buffered(br *bufio.Reader, conn net.Conn) io.Reader {
	n := br.Buffered()
	if n == 0 {
		return conn
	}
	pending, _ := br.Peek(n)
	return io.MultiReader(bytes.NewReader(bytes.Clone(pending)), conn)
}

type pumpResult struct {
	dir   string
	bytes int64
	err   error
}

// tunnel runs the two pumps. The first to finish half-closes its
// destination; the other gets closeGrace to drain before both sockets close.
func (p *Proxy) tunnel(r *http.Request, t proxy.Target, clientConn net.Conn, clientR io.Reader, upConn net.Conn, upR io.Reader) {
	start := time.Now()
	if p.onOpen != nil {
		closed := p.onOpen()
		defer closed()
	}

	results := make(chan pumpResult, 2)
	go pump("upstream", upConn, clientR, results)
	go pump("client", clientConn, upR, results)

	first := <-results
	var second pumpResult
	grace := time.NewTimer(p.closeGrace)
	select {
	case second = <-results:
		grace.Stop()
		clientConn.Close()
		upConn.Close()
	case <-grace.C:
		clientConn.Close()
		upConn.Close()
		second = <-results
	}

	var toUpstream, toClient int64
	for _, res := range []pumpResult{first, second} {
		if res.dir == "upstream" {
			toUpstream = res.bytes
		} else {
			toClient = res.bytes
		}
	}

	logging.Debug("WebSocket session closed",
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		zap.String("upstream", t.Upstream.ID),
		zap.String("closed_by", closedBy(first.dir)),
		zap.Int64("bytes_to_upstream", toUpstream),
		zap.Int64("bytes_to_client", toClient),
		zap.Duration("duration", time.Since(start)),
	)
}

// pump copies src into dst and half-closes dst when src is exhausted.
func pump(dir string, dst net.Conn, src io.Reader, results chan<- pumpResult) {
	n, err := io.Copy(dst, src)
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	results <- pumpResult{dir: dir, bytes: n, err: err}
}

func closedBy(firstDir string) string {
	// The pump writing to upstream finishes when the client stops sending.
	if firstDir == "upstream" {
		return "client"
	}
	return "upstream"
}
