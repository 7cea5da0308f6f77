package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/logging"
	"github.com/wudi/runtime-gateway/internal/middleware"
	"github.com/wudi/runtime-gateway/internal/registry"
	"github.com/wudi/runtime-gateway/internal/tracing"
)

// Target is a resolved forwarding destination.
type Target struct {
	Upstream registry.Upstream
	URL      *url.URL // rewritten path and raw query; scheme and host are ignored
	Prefix   string   // routing prefix removed from the path, sent as X-Forwarded-Prefix
}

// Config holds proxy configuration
type Config struct {
	Transport config.TransportConfig
	Tracer    *tracing.Tracer // optional, adds a client span per forward
}

// Proxy forwards plain HTTP exchanges to loopback upstreams. It keeps no
// per-session state and never retries.
type Proxy struct {
	transport     http.RoundTripper
	tracer        *tracing.Tracer
	timeout       time.Duration
	flushInterval time.Duration
	preserveHost  bool
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	tc := withTransportDefaults(cfg.Transport)
	return &Proxy{
		transport:     NewTransport(tc),
		tracer:        cfg.Tracer,
		timeout:       tc.RequestTimeout,
		flushInterval: tc.FlushInterval,
		preserveHost:  tc.PreserveHost,
	}
}

// CloseIdleConnections drops pooled upstream connections.
func (p *Proxy) CloseIdleConnections() {
	if t, ok := p.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// Forward replays r against t and streams the response back. A non-nil
// error is a *errors.GatewayError returned before anything was written to w;
// the caller owns writing it.
//
// The request timeout bounds the exchange up to the response headers. Once
// they arrive the body streams for as long as both sides keep it open.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, t Target) error {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	deadline := time.AfterFunc(p.timeout, func() { cancel(context.DeadlineExceeded) })

	var connected atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	if p.tracer != nil && p.tracer.IsEnabled() {
		var span trace.Span
		ctx, span = p.tracer.StartSpan(ctx, "forward "+t.Upstream.ID)
		span.SetAttributes(attribute.String("gateway.upstream.address", t.Upstream.Address))
		defer span.End()
	}

	outreq := p.outgoingRequest(ctx, r, t)

	resp, err := p.transport.RoundTrip(outreq)
	if !deadline.Stop() && err == nil {
		// Fired between the headers arriving and Stop: the body is already
		// cancelled, nothing has been written yet.
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		return classify(ctx, err, connected.Load())
	}
	defer resp.Body.Close()

	RemoveHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	if len(resp.Trailer) > 0 {
		names := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			names = append(names, k)
		}
		dst.Add("Trailer", strings.Join(names, ", "))
	}

	w.WriteHeader(resp.StatusCode)

	if err := p.copyResponse(w, resp); err != nil {
		logging.Warn("Upstream response aborted",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.String("upstream", t.Upstream.ID),
			zap.Error(err),
		)
		// Abort the client connection so a truncated body is not mistaken
		// for a complete one.
		panic(http.ErrAbortHandler)
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			dst.Add(http.TrailerPrefix+k, v)
		}
	}
	return nil
}

// outgoingRequest builds the upstream request from the client request.
func (p *Proxy) outgoingRequest(ctx context.Context, r *http.Request, t Target) *http.Request {
	outreq := r.Clone(ctx)
	if r.ContentLength == 0 {
		outreq.Body = nil
	}
	outreq.RequestURI = ""
	outreq.Close = false

	u := *t.URL
	u.Scheme = "http"
	u.Host = t.Upstream.Address
	u.User = nil
	u.Fragment = ""
	outreq.URL = &u

	if !p.preserveHost {
		outreq.Host = t.Upstream.Address
	}

	// A client "Te: trailers" survives hop-by-hop stripping.
	teTrailers := headerHasToken(r.Header, "Te", "trailers")
	RemoveHopHeaders(outreq.Header)
	if teTrailers {
		outreq.Header.Set("Te", "trailers")
	}

	SetForwardedHeaders(r, outreq, t.Prefix)
	tracing.InjectHeaders(outreq, outreq)
	return outreq
}

// SetForwardedHeaders appends the client to X-Forwarded-For and records the
// original scheme, host and stripped prefix.
func SetForwardedHeaders(r, outreq *http.Request, prefix string) {
	if clientIP := middleware.ClientIP(r); clientIP != "" {
		if prior := outreq.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			outreq.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			outreq.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		outreq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outreq.Header.Set("X-Forwarded-Proto", "http")
	}
	outreq.Header.Set("X-Forwarded-Host", r.Host)

	if prefix != "" {
		outreq.Header.Set("X-Forwarded-Prefix", prefix)
	} else {
		outreq.Header.Del("X-Forwarded-Prefix")
	}
}

// classify maps a round-trip failure to a client-facing error. Whether a
// connection was obtained decides between connect and upstream failures.
func classify(ctx context.Context, err error, connected bool) *errors.GatewayError {
	if !connected {
		return errors.ErrBadGateway.
			WithReason(errors.ReasonConnectFailed).
			WithDetails("upstream refused or unreachable").
			WithCause(err)
	}

	timeout := stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(context.Cause(ctx), context.DeadlineExceeded)
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	if timeout {
		return errors.ErrGatewayTimeout.
			WithReason(errors.ReasonUpstreamTimeout).
			WithDetails("upstream did not respond in time").
			WithCause(err)
	}
	return errors.ErrBadGateway.
		WithReason(errors.ReasonUpstreamError).
		WithDetails("upstream connection failed").
		WithCause(err)
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// copyResponse streams the body. Event streams and responses of unknown
// length are flushed after every write, others every flushInterval (zero
// meaning every write).
func (p *Proxy) copyResponse(w http.ResponseWriter, resp *http.Response) error {
	rc := http.NewResponseController(w)
	flushEvery := p.flushInterval <= 0 || resp.ContentLength == -1 || isEventStream(resp.Header)

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	lastFlush := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flushEvery || time.Since(lastFlush) >= p.flushInterval {
				rc.Flush()
				lastFlush = time.Now()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func isEventStream(h http.Header) bool {
	ct := h.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "text/event-stream")
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes the fixed hop-by-hop set and every header
// named in Connection.
func RemoveHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for sf := range strings.SplitSeq(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// headerHasToken reports whether a comma-separated header contains token.
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
