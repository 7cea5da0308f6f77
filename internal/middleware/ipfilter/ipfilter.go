package ipfilter

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/middleware"
)

// Filter checks client IPs against allow/deny lists
type Filter struct {
	allow []netip.Prefix
	deny  []netip.Prefix
	order string // "allow_first" or "deny_first"
}

// New creates a new IP filter from config. A disabled config yields nil,
// which the filter chain skips.
func New(cfg config.IPFilterConfig) (*Filter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	f := &Filter{order: cfg.Order}
	if f.order == "" {
		f.order = "deny_first"
	}

	var err error
	if f.allow, err = parseList(cfg.Allow); err != nil {
		return nil, err
	}
	if f.deny, err = parseList(cfg.Deny); err != nil {
		return nil, err
	}
	return f, nil
}

func parseList(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, s := range entries {
		if !strings.Contains(s, "/") {
			// single IP
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("ip_filter: invalid address %q: %w", s, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("ip_filter: invalid CIDR %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func (f *Filter) Name() string { return "ip_filter" }

// Check rejects requests whose client IP is not allowed.
func (f *Filter) Check(w http.ResponseWriter, r *http.Request) error {
	if f.Allowed(middleware.ClientIP(r)) {
		return nil
	}
	return errors.ErrForbidden.
		WithReason(errors.ReasonForbidden).
		WithDetails("IP address not allowed")
}

// Allowed reports whether ip passes the lists. Unparseable addresses are denied.
func (f *Filter) Allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	if f.order == "allow_first" {
		return f.checkAllowFirst(addr)
	}
	return f.checkDenyFirst(addr)
}

func (f *Filter) checkAllowFirst(ip netip.Addr) bool {
	if len(f.allow) > 0 {
		// an allow list exists: membership decides
		return contains(f.allow, ip)
	}
	return !contains(f.deny, ip)
}

func (f *Filter) checkDenyFirst(ip netip.Addr) bool {
	if contains(f.deny, ip) {
		return false
	}
	if len(f.allow) > 0 {
		return contains(f.allow, ip)
	}
	return true
}

func contains(list []netip.Prefix, ip netip.Addr) bool {
	for _, p := range list {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
