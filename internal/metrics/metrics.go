package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wudi/runtime-gateway/internal/registry"
)

const namespace = "runtime_gateway"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on its own Prometheus registry.
type Collector struct {
	reg *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	rejectionsTotal  *prometheus.CounterVec
	proxyErrorsTotal *prometheus.CounterVec

	probesTotal    *prometheus.CounterVec
	probeDurations *prometheus.HistogramVec

	registryEvents *prometheus.CounterVec

	wsActive   prometheus.Gauge
	wsDuration prometheus.Histogram
}

// NewCollector creates a collector. lister, if non-nil, is read at scrape
// time to report upstream counts per kind and state.
func NewCollector(lister func() []registry.Upstream) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	c := &Collector{
		reg: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by routing rule, method and status",
		}, []string{"rule", "method", "status"}),
		requestDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by routing rule",
			Buckets:   DefaultBuckets,
		}, []string{"rule"}),
		rejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_rejections_total",
			Help:      "Requests rejected by security filters",
		}, []string{"filter", "reason"}),
		proxyErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Requests that failed before or while reaching an upstream",
		}, []string{"reason"}),
		probesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Health probes by upstream kind and result",
		}, []string{"kind", "result"}),
		probeDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Health probe latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"kind"}),
		registryEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_events_total",
			Help:      "Upstream registry changes by event type and kind",
		}, []string{"event", "kind"}),
		wsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions_active",
			Help:      "Open WebSocket tunnels",
		}),
		wsDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "websocket_session_duration_seconds",
			Help:      "WebSocket tunnel lifetime",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if lister != nil {
		reg.MustRegister(&upstreamCollector{list: lister})
	}
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the Prometheus text exposition.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request. rule is empty for requests
// rejected before routing.
func (c *Collector) RecordRequest(rule, method string, statusCode int, duration time.Duration) {
	if rule == "" {
		rule = "none"
	}
	c.requestsTotal.WithLabelValues(rule, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(rule).Observe(duration.Seconds())
}

// RecordRejection counts a security filter rejection.
func (c *Collector) RecordRejection(filter, reason string) {
	c.rejectionsTotal.WithLabelValues(filter, reason).Inc()
}

// RecordProxyError counts a failed dispatch by reason.
func (c *Collector) RecordProxyError(reason string) {
	c.proxyErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordProbe records one health probe outcome.
func (c *Collector) RecordProbe(u registry.Upstream, res registry.HealthCheckResult) {
	result := "success"
	if !res.OK {
		result = "failure"
	}
	c.probesTotal.WithLabelValues(string(u.Kind), result).Inc()
	c.probeDurations.WithLabelValues(string(u.Kind)).Observe(res.Latency.Seconds())
}

// ObserveEvent counts registry events. Suitable for registry.Subscribe.
func (c *Collector) ObserveEvent(ev registry.Event) {
	c.registryEvents.WithLabelValues(string(ev.Type), string(ev.Upstream.Kind)).Inc()
}

// WebSocketOpened marks a tunnel as open and returns the function to call
// when it closes.
func (c *Collector) WebSocketOpened() (closed func()) {
	start := time.Now()
	c.wsActive.Inc()
	return func() {
		c.wsActive.Dec()
		c.wsDuration.Observe(time.Since(start).Seconds())
	}
}

var upstreamsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "upstreams"),
	"Registered upstreams by kind and state",
	[]string{"kind", "state"}, nil,
)

// upstreamCollector derives gauges from a registry snapshot at scrape time.
type upstreamCollector struct {
	list func() []registry.Upstream
}

func (u *upstreamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- upstreamsDesc
}

func (u *upstreamCollector) Collect(ch chan<- prometheus.Metric) {
	type kindState struct {
		kind  registry.Kind
		state registry.State
	}
	counts := map[kindState]int{}
	for _, kind := range []registry.Kind{registry.KindPreview, registry.KindService} {
		for _, st := range []registry.State{registry.StateStarting, registry.StateHealthy, registry.StateUnhealthy} {
			counts[kindState{kind, st}] = 0
		}
	}
	for _, up := range u.list() {
		counts[kindState{up.Kind, up.State}]++
	}
	for ks, n := range counts {
		ch <- prometheus.MustNewConstMetric(upstreamsDesc, prometheus.GaugeValue, float64(n), string(ks.kind), string(ks.state))
	}
}
