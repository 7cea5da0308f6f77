package middleware

import (
	"context"
	"net"
	"net/http"
)

// RequestInfo is per-request state shared by the middleware, the filters
// and the proxy. It is created once by RequestID and mutated in place.
type RequestInfo struct {
	RequestID    string
	ClientIP     string
	RuleID       string
	Upstream     string // upstream id, e.g. "preview:42:8005"
	UpstreamAddr string
	ClientID     string // authenticated identity, if any
	Reason       string // machine-readable error reason, if the request failed
	WebSocket    bool
}

type requestInfoKey struct{}

// WithRequestInfo returns r carrying a RequestInfo, reusing an existing one.
func WithRequestInfo(r *http.Request) (*http.Request, *RequestInfo) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*RequestInfo); ok {
		return r, info
	}
	info := &RequestInfo{ClientIP: remoteHost(r.RemoteAddr)}
	return r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)), info
}

// GetRequestInfo returns the request's RequestInfo. Requests that did not
// pass through RequestID get a detached value so callers never see nil.
func GetRequestInfo(r *http.Request) *RequestInfo {
	if info, ok := r.Context().Value(requestInfoKey{}).(*RequestInfo); ok {
		return info
	}
	return &RequestInfo{ClientIP: remoteHost(r.RemoteAddr)}
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey{}).(*RequestInfo); ok {
		return info.RequestID
	}
	return ""
}

// ClientIP returns the resolved client address of r.
func ClientIP(r *http.Request) string {
	return GetRequestInfo(r).ClientIP
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
