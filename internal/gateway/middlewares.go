package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/runtime-gateway/internal/middleware"
	"github.com/wudi/runtime-gateway/internal/middleware/auth"
	"github.com/wudi/runtime-gateway/internal/middleware/cors"
	"github.com/wudi/runtime-gateway/internal/middleware/ipfilter"
	"github.com/wudi/runtime-gateway/internal/middleware/ratelimit"
	"github.com/wudi/runtime-gateway/internal/middleware/realip"
	"github.com/wudi/runtime-gateway/internal/middleware/sanitize"
	"github.com/wudi/runtime-gateway/internal/tracing"
)

// initSecurity builds the filter chain. Filter order is fixed, cheapest
// first: ip filter, rate limit, sanitize, cors, auth. Disabled filters are
// left out entirely.
func (g *Gateway) initSecurity() error {
	sec := g.config.Security
	var filters []middleware.Filter

	ipf, err := ipfilter.New(sec.IPFilter)
	if err != nil {
		return fmt.Errorf("ip_filter: %w", err)
	}
	if ipf != nil {
		filters = append(filters, ipf)
	}

	var scripter redis.Scripter
	if sec.RateLimit.Enabled && sec.RateLimit.Mode == "distributed" {
		g.redisClient = ratelimit.NewRedisClient(g.config.Redis)
		scripter = g.redisClient
	}
	rl, err := ratelimit.New(sec.RateLimit, scripter)
	if err != nil {
		return err
	}
	if rl != nil {
		filters = append(filters, rl)
	}

	if sf := sanitize.New(sec.Sanitize); sf != nil {
		filters = append(filters, sf)
	}

	if cf := cors.New(sec.CORS); cf != nil {
		filters = append(filters, cf)
	}

	af, err := auth.New(sec.Auth)
	if err != nil {
		return err
	}
	if af != nil {
		filters = append(filters, af)
	}

	g.filters = middleware.NewFilterChain(filters...)
	g.filters.OnReject(g.metrics.RecordRejection)
	return nil
}

// buildHandler wraps dispatch in the global middleware:
//
//	request id -> recovery -> real ip -> access log -> tracing -> filters -> dispatch
func (g *Gateway) buildHandler() http.Handler {
	tp := g.config.Security.TrustedProxies
	resolver, err := realip.New(tp.CIDRs, tp.Headers, tp.MaxHops)
	if err != nil {
		// Validated at load time; an in-code config falls back to the peer address.
		resolver, _ = realip.New(nil, nil, 0)
	}

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		resolver.Middleware,
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			OnComplete: g.recordRequest,
		}),
		g.tracer.Middleware(),
		tracing.SpanMiddleware(g.tracer, "security.filters", g.filters.Middleware()),
	)
	return chain.Then(g)
}

func (g *Gateway) recordRequest(r *http.Request, info *middleware.RequestInfo, status int, _ int64, d time.Duration) {
	rule := info.RuleID
	if rule == "" {
		rule = "none"
	}
	g.metrics.RecordRequest(rule, r.Method, status, d)
}
