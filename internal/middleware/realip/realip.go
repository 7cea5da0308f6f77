// Package realip resolves the client address of a request, honouring
// forwarding headers only when the peer is a trusted proxy.
package realip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/wudi/runtime-gateway/internal/middleware"
)

// Resolver extracts the client IP from trusted proxy chains.
type Resolver struct {
	trusted []netip.Prefix
	headers []string // checked in order
	maxHops int      // 0 = unlimited

	totalRequests atomic.Int64
	fromHeaders   atomic.Int64
}

// New creates a Resolver from trusted proxy CIDRs or bare addresses.
func New(cidrs []string, headers []string, maxHops int) (*Resolver, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := parsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}

	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Resolver{
		trusted: prefixes,
		headers: headers,
		maxHops: maxHops,
	}, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
	}
	return p.Masked(), nil
}

// Extract returns the client IP for r. Headers are only consulted when the
// direct peer is trusted; with no trusted proxies the peer address is used.
func (c *Resolver) Extract(r *http.Request) string {
	c.totalRequests.Add(1)

	remoteIP := extractHost(r.RemoteAddr)
	if len(c.trusted) == 0 || !c.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range c.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := c.walkXFF(val); ip != "" {
				c.fromHeaders.Add(1)
				return ip
			}
			continue
		}

		// Single-value headers like X-Real-IP
		if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
			c.fromHeaders.Add(1)
			return addr.Unmap().String()
		}
	}

	return remoteIP
}

// walkXFF walks the chain right to left and returns the first hop that is
// not a trusted proxy. Unparseable entries end the walk.
func (c *Resolver) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	hops := 0
	last := ""
	for i := len(parts) - 1; i >= 0; i-- {
		s := strings.TrimSpace(parts[i])
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return last
		}
		ip := addr.Unmap().String()
		last = ip
		hops++

		if c.maxHops > 0 && hops > c.maxHops {
			return ip
		}
		if !c.isTrusted(ip) {
			return ip
		}
	}

	// every hop was trusted; the leftmost is the best we have
	return last
}

func (c *Resolver) isTrusted(ipStr string) bool {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware stores the resolved address in the request's RequestInfo.
func (c *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, info := middleware.WithRequestInfo(r)
		info.ClientIP = c.Extract(r)
		next.ServeHTTP(w, r)
	})
}

// Stats reports resolver counters.
type Stats struct {
	TotalRequests int64    `json:"total_requests"`
	FromHeaders   int64    `json:"from_headers"`
	TrustedCIDRs  int      `json:"trusted_cidrs"`
	Headers       []string `json:"headers"`
	MaxHops       int      `json:"max_hops"`
}

func (c *Resolver) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		FromHeaders:   c.fromHeaders.Load(),
		TrustedCIDRs:  len(c.trusted),
		Headers:       c.headers,
		MaxHops:       c.maxHops,
	}
}

func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
