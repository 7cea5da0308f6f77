package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/runtime-gateway/internal/logging"
	"github.com/wudi/runtime-gateway/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Registry is the part of the upstream registry the prober drives.
type Registry interface {
	List() []registry.Upstream
	MarkResult(key registry.Key, res registry.HealthCheckResult) (registry.Upstream, error)
	Subscribe(fn func(registry.Event)) func()
}

// Config holds prober configuration
type Config struct {
	Interval       time.Duration // default 5s
	Timeout        time.Duration // default 2s
	Workers        int           // concurrent probes, default 16
	ExpectedStatus []StatusRange // default 200-399

	// OnResult is called after every probe with the state it produced.
	OnResult func(u registry.Upstream, res registry.HealthCheckResult)
}

// Prober periodically probes every registered upstream, independent of
// traffic, and folds the results into the registry.
type Prober struct {
	reg      Registry
	cfg      Config
	client   *http.Client
	dialer   *net.Dialer
	sem      *semaphore.Weighted
	kick     chan registry.Upstream
	inflight sync.Map // probeID -> struct{}
	wg       sync.WaitGroup
}

// New creates a prober for reg.
func New(reg Registry, cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if len(cfg.ExpectedStatus) == 0 {
		cfg.ExpectedStatus = DefaultExpectedStatus
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	return &Prober{
		reg: reg,
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:       dialer.DialContext,
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: dialer,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		kick:   make(chan registry.Upstream, 256),
	}
}

// Probe checks a single upstream: HTTP GET on its health path when it has
// one, otherwise a TCP connect. A timeout is an ordinary failure.
func (p *Prober) Probe(ctx context.Context, u registry.Upstream) registry.HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var err error
	if u.HealthPath != "" {
		err = p.probeHTTP(ctx, u)
	} else {
		err = p.probeTCP(ctx, u)
	}

	return registry.HealthCheckResult{
		OK:         err == nil,
		Latency:    time.Since(start),
		CheckedAt:  time.Now(),
		Err:        err,
		Generation: u.Generation,
	}
}

func (p *Prober) probeHTTP(ctx context.Context, u registry.Upstream) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+u.Address+u.HealthPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "runtime-gateway-prober")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if !matchStatus(resp.StatusCode, p.cfg.ExpectedStatus) {
		return fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) probeTCP(ctx context.Context, u registry.Upstream) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", u.Address)
	if err != nil {
		return fmt.Errorf("TCP connection failed: %w", err)
	}
	conn.Close()
	return nil
}

// Kick schedules an immediate probe of u. It never blocks; if the queue is
// full the next tick picks the upstream up.
func (p *Prober) Kick(u registry.Upstream) {
	select {
	case p.kick <- u:
	default:
	}
}

// Run probes on every tick and on every registration until ctx is done,
// then waits for in-flight probes.
func (p *Prober) Run(ctx context.Context) error {
	unsubscribe := p.reg.Subscribe(func(ev registry.Event) {
		if ev.Type == registry.EventRegistered {
			p.Kick(ev.Upstream)
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case u := <-p.kick:
			p.dispatch(ctx, u)
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll starts one probe round over every registered upstream.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, u := range p.reg.List() {
		if ctx.Err() != nil {
			return
		}
		p.dispatch(ctx, u)
	}
}

// probeID identifies one registration of an upstream. A re-registration
// gets a new generation and is probed even while the old one still is.
type probeID struct {
	key        registry.Key
	generation uint64
}

// dispatch starts a probe unless one is already running for this
// registration. It blocks while all workers are busy.
func (p *Prober) dispatch(ctx context.Context, u registry.Upstream) {
	id := probeID{key: u.Key, generation: u.Generation}
	if _, busy := p.inflight.LoadOrStore(id, struct{}{}); busy {
		return
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.inflight.Delete(id)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inflight.Delete(id)

		res := p.Probe(ctx, u)
		if ctx.Err() != nil {
			return
		}
		p.record(u, res)
	}()
}

func (p *Prober) record(u registry.Upstream, res registry.HealthCheckResult) {
	next, err := p.reg.MarkResult(u.Key, res)
	if err != nil {
		// Deregistered or re-registered while the probe was running.
		logging.Debug("probe result dropped",
			zap.String("upstream", u.ID), zap.Error(err))
		return
	}

	if !res.OK {
		logging.Debug("probe failed",
			zap.String("upstream", u.ID),
			zap.String("address", u.Address),
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
			zap.Error(res.Err))
	}
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(next, res)
	}
}
