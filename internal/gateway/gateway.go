package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/health"
	"github.com/wudi/runtime-gateway/internal/lifecycle"
	"github.com/wudi/runtime-gateway/internal/logging"
	"github.com/wudi/runtime-gateway/internal/metrics"
	"github.com/wudi/runtime-gateway/internal/middleware"
	"github.com/wudi/runtime-gateway/internal/proxy"
	"github.com/wudi/runtime-gateway/internal/registry"
	"github.com/wudi/runtime-gateway/internal/router"
	"github.com/wudi/runtime-gateway/internal/tracing"
	"github.com/wudi/runtime-gateway/internal/websocket"
)

// Gateway is the runtime service gateway: one external handler that
// classifies each request, resolves a healthy upstream and forwards it.
type Gateway struct {
	config      *config.Config
	registry    *registry.Registry
	router      *router.Router
	proxy       *proxy.Proxy
	wsProxy     *websocket.Proxy // nil when upgrades are disabled
	prober      *health.Prober
	lifecycle   *lifecycle.Manager
	metrics     *metrics.Collector
	tracer      *tracing.Tracer
	redisClient *redis.Client
	filters     *middleware.FilterChain

	handler http.Handler
	unsubs  []func()
	mu      sync.RWMutex
}

// New creates a new gateway. Static services are registered before it
// returns; they receive traffic once the prober has seen them healthy.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{config: cfg}

	g.registry = registry.New(registry.Options{
		UnhealthyAfter: cfg.HealthCheck.UnhealthyAfter,
		GracePeriod:    cfg.Registry.GracePeriod,
		ReclaimStatic:  cfg.Registry.ReclaimStatic,
	})
	g.metrics = metrics.NewCollector(g.registry.List)
	g.unsubs = append(g.unsubs,
		g.registry.Subscribe(g.metrics.ObserveEvent),
		g.registry.Subscribe(logRegistryEvent),
	)

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = config.DefaultRules()
	}
	rt, err := router.New(router.Config{
		Rules:          rules,
		DefaultService: cfg.DefaultService,
		MinPort:        cfg.Preview.MinPort,
		MaxPort:        cfg.Preview.MaxPort,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}
	g.router = rt

	expected, err := health.ParseStatusRanges(cfg.HealthCheck.ExpectedStatus)
	if err != nil {
		return nil, fmt.Errorf("invalid health_check.expected_status: %w", err)
	}
	g.prober = health.New(g.registry, health.Config{
		Interval:       cfg.HealthCheck.Interval,
		Timeout:        cfg.HealthCheck.Timeout,
		Workers:        cfg.HealthCheck.Workers,
		ExpectedStatus: expected,
		OnResult:       g.metrics.RecordProbe,
	})

	if g.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	g.proxy = proxy.New(proxy.Config{
		Transport: cfg.Transport,
		Tracer:    g.tracer,
	})
	if cfg.WebSocket.Enabled {
		g.wsProxy = websocket.NewProxy(websocket.Config{
			WebSocket:    cfg.WebSocket,
			PreserveHost: cfg.Transport.PreserveHost,
			OnOpen:       g.metrics.WebSocketOpened,
		})
	}

	g.lifecycle = lifecycle.New(g.registry, cfg.Preview)
	g.lifecycle.ReservePort(publicListenerID, cfg.Listener.Address)
	if cfg.Admin.Enabled {
		g.lifecycle.ReservePort(adminListenerID, cfg.Admin.Address)
		g.lifecycle.ReservePort(grpcHealthListenerID, cfg.Admin.GRPCHealthAddress)
	}
	if _, err := g.lifecycle.SyncServices(cfg.Services); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	if err := g.initSecurity(); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize security filters: %w", err)
	}

	g.handler = g.buildHandler()
	return g, nil
}

// Handler returns the external HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// ServeHTTP dispatches a request that has passed the filter chain.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := middleware.GetRequestInfo(r)

	m, err := g.router.Classify(r.URL.Path)
	if err != nil {
		logging.Warn("No routing rule matched request",
			zap.String("request_id", info.RequestID),
			zap.String("path", r.URL.Path),
		)
		g.fail(w, r, errors.ErrNotFound.WithReason(errors.ReasonNoRoute))
		return
	}
	info.RuleID = m.Rule.ID

	key, err := g.router.BuildUpstreamKey(m)
	if err != nil {
		g.fail(w, r, errors.ErrBadRequest.
			WithReason(errors.ReasonInvalidKey).
			WithDetails(err.Error()))
		return
	}
	if key.Kind == registry.KindPreview {
		if err := g.lifecycle.CheckPort(key.Port); err != nil {
			g.fail(w, r, errors.ErrBadRequest.
				WithReason(errors.ReasonInvalidKey).
				WithDetails(err.Error()))
			return
		}
	}

	u, err := g.registry.Resolve(key)
	if err != nil {
		g.fail(w, r, errors.ErrBadGateway.
			WithReason(errors.ReasonNotRegistered).
			WithDetails("no upstream registered for "+key.String()))
		return
	}
	info.Upstream = u.ID
	info.UpstreamAddr = u.Address

	if !u.Eligible() {
		g.fail(w, r, errors.ErrBadGateway.
			WithReason(errors.ReasonUnhealthy).
			WithDetails("upstream "+u.ID+" is "+string(u.State)))
		return
	}

	target := proxy.Target{
		Upstream: u,
		URL:      router.RewriteURL(m.Rule, r.URL),
		Prefix:   m.Prefix,
	}

	if g.wsProxy != nil && websocket.IsUpgradeRequest(r) {
		info.WebSocket = true
		err = g.wsProxy.Serve(w, r, target)
	} else {
		err = g.proxy.Forward(w, r, target)
	}
	if err != nil {
		g.fail(w, r, err)
	}
}

// fail writes err as the client-facing JSON error and records why.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	info := middleware.GetRequestInfo(r)

	ge, ok := errors.As(err)
	if !ok {
		logging.Error("Unclassified forwarding error",
			zap.String("request_id", info.RequestID),
			zap.Error(err),
		)
		ge = errors.ErrInternalServer
	}
	info.Reason = ge.Reason
	g.metrics.RecordProxyError(ge.Reason)

	if ge.Code >= 500 {
		logging.Warn("Request failed",
			zap.String("request_id", info.RequestID),
			zap.String("rule", info.RuleID),
			zap.String("upstream", info.Upstream),
			zap.String("reason", ge.Reason),
			zap.Error(err),
		)
	}

	if info.RequestID != "" {
		ge = ge.WithRequestID(info.RequestID)
	}
	ge.WriteJSON(w)
}

// Registry returns the upstream registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Lifecycle returns the preview lifecycle hooks.
func (g *Gateway) Lifecycle() *lifecycle.Manager {
	return g.lifecycle
}

// Prober returns the health prober. It is started by the Server.
func (g *Gateway) Prober() *health.Prober {
	return g.prober
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// FilterNames returns the active security filters in execution order.
func (g *Gateway) FilterNames() []string {
	return g.filters.Names()
}

// Stats is a snapshot of the registry by state.
type Stats struct {
	Upstreams int            `json:"upstreams"`
	Healthy   int            `json:"healthy"`
	ByState   map[string]int `json:"by_state"`
	ByKind    map[string]int `json:"by_kind"`
}

// GetStats returns upstream counts.
func (g *Gateway) GetStats() Stats {
	ups := g.registry.List()
	s := Stats{
		Upstreams: len(ups),
		ByState:   make(map[string]int),
		ByKind:    make(map[string]int),
	}
	for _, u := range ups {
		s.ByState[string(u.State)]++
		s.ByKind[string(u.Kind)]++
		if u.Eligible() {
			s.Healthy++
		}
	}
	return s
}

// PingRedis checks the rate limit backend, if one is configured.
func (g *Gateway) PingRedis(ctx context.Context) (configured bool, err error) {
	if g.redisClient == nil {
		return false, nil
	}
	return true, g.redisClient.Ping(ctx).Err()
}

// Close releases resources owned by the gateway. Listeners are stopped by
// the Server before this is called.
func (g *Gateway) Close() error {
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.unsubs = nil

	g.proxy.CloseIdleConnections()

	var errs []error
	if g.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.tracer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
		cancel()
	}
	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

func logRegistryEvent(ev registry.Event) {
	fields := []zap.Field{
		zap.String("upstream", ev.Upstream.ID),
		zap.String("address", ev.Upstream.Address),
		zap.String("state", string(ev.Upstream.State)),
	}
	switch ev.Type {
	case registry.EventStateChanged:
		fields = append(fields, zap.String("previous", string(ev.Previous)))
		if ev.Upstream.LastError != "" {
			fields = append(fields, zap.String("last_error", ev.Upstream.LastError))
		}
		logging.Info("Upstream state changed", fields...)
	case registry.EventReclaimed:
		logging.Warn("Upstream reclaimed after sustained failure", fields...)
	case registry.EventRegistered, registry.EventDeregistered:
		logging.Debug("Upstream "+string(ev.Type), fields...)
	}
}
