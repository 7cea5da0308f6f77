package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/middleware"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

// Backend decides whether the client identified by key may proceed.
type Backend interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Limiter is the rate limit filter. It derives a client key from each
// request and delegates the decision to a Backend.
type Limiter struct {
	backend Backend
	keyFn   func(*http.Request) string
}

// New builds the filter from config. A disabled config yields nil. Distributed
// mode needs a Redis client.
func New(cfg config.RateLimitConfig, client redis.Scripter) (*Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	keyFn, err := BuildKeyFunc(cfg.Key)
	if err != nil {
		return nil, err
	}

	var backend Backend
	switch cfg.Mode {
	case "", "local":
		backend, err = NewLocal(cfg)
		if err != nil {
			return nil, err
		}
	case "distributed":
		if client == nil {
			return nil, fmt.Errorf("rate_limit: distributed mode requires a redis client")
		}
		backend = NewRedisLimiter(RedisLimiterConfig{
			Client: client,
			Rate:   cfg.Rate,
			Period: cfg.Period,
			Burst:  cfg.Burst,
		})
	default:
		return nil, fmt.Errorf("rate_limit: unknown mode %q", cfg.Mode)
	}

	return &Limiter{backend: backend, keyFn: keyFn}, nil
}

// NewWithBackend builds a filter around an arbitrary backend.
func NewWithBackend(b Backend, keyFn func(*http.Request) string) *Limiter {
	if keyFn == nil {
		keyFn = middleware.ClientIP
	}
	return &Limiter{backend: b, keyFn: keyFn}
}

// BuildKeyFunc returns a key extraction function. "ip" keys on the resolved
// client address; "header:<name>" keys on a header and falls back to the
// client address when the header is absent.
func BuildKeyFunc(key string) (func(*http.Request) string, error) {
	switch {
	case key == "" || key == "ip":
		return middleware.ClientIP, nil
	case strings.HasPrefix(key, "header:"):
		name := key[len("header:"):]
		if name == "" {
			return nil, fmt.Errorf("rate_limit: empty header name in key %q", key)
		}
		prefix := "header:" + name + ":"
		return func(r *http.Request) string {
			if v := r.Header.Get(name); v != "" {
				return prefix + v
			}
			return middleware.ClientIP(r)
		}, nil
	default:
		return nil, fmt.Errorf("rate_limit: unsupported key %q", key)
	}
}

func (l *Limiter) Name() string { return "rate_limit" }

// Check consumes one token for the request's client.
func (l *Limiter) Check(w http.ResponseWriter, r *http.Request) error {
	d, err := l.backend.Allow(r.Context(), l.keyFn(r))
	if err != nil {
		return err
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}

	if d.Allowed {
		return nil
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	return errors.ErrTooManyRequests.WithReason(errors.ReasonRateLimited)
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
