package ratelimit

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/runtime-gateway/internal/config"
	"golang.org/x/time/rate"
)

const defaultMaxClients = 10000

// LocalLimiter keeps one token bucket per client in a bounded LRU, so idle
// clients are evicted instead of accumulating forever.
type LocalLimiter struct {
	limit   rate.Limit
	burst   int
	period  time.Duration
	buckets *lru.Cache[string, *rate.Limiter]
	now     func() time.Time
}

// NewLocal creates an in-process limiter allowing cfg.Rate requests per
// cfg.Period with bursts up to cfg.Burst (defaults to Rate).
func NewLocal(cfg config.RateLimitConfig) (*LocalLimiter, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("rate_limit: rate must be positive")
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}

	cache, err := lru.New[string, *rate.Limiter](cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &LocalLimiter{
		limit:   rate.Limit(float64(cfg.Rate) / cfg.Period.Seconds()),
		burst:   cfg.Burst,
		period:  cfg.Period,
		buckets: cache,
		now:     time.Now,
	}, nil
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}

// Allow implements Backend. It never returns an error.
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	b := l.bucket(key)

	res := b.ReserveN(now, 1)
	d := Decision{Limit: l.burst}
	if !res.OK() {
		d.RetryAfter = l.period
		d.Reset = now.Add(l.period)
		return d, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
		d.Reset = now.Add(delay)
		return d, nil
	}

	d.Allowed = true
	d.Remaining = int(b.TokensAt(now))
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Reset = now.Add(l.period)
	return d, nil
}

// Clients returns the number of tracked clients.
func (l *LocalLimiter) Clients() int {
	return l.buckets.Len()
}
