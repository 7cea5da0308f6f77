package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/logging"
	"go.uber.org/zap"
)

// slidingWindowScript implements a sliding window rate limiter using Redis sorted sets.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// redisTimeout bounds a single limiter round trip.
const redisTimeout = 100 * time.Millisecond

// RedisLimiter provides Redis-backed distributed rate limiting shared by
// every gateway instance pointing at the same Redis.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// RedisLimiterConfig holds config for creating a RedisLimiter.
type RedisLimiterConfig struct {
	Client redis.Scripter
	Prefix string
	Rate   int
	Period time.Duration
	Burst  int
}

// NewRedisLimiter creates a new Redis-backed rate limiter.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rgw:rl:"
	}
	return &RedisLimiter{
		client: cfg.Client,
		prefix: cfg.Prefix,
		limit:  cfg.Burst, // burst is the window limit
		window: cfg.Period,
		now:    time.Now,
	}
}

// NewRedisClient opens a client from config. Connections are established lazily.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
}

// Allow implements Backend. Redis failures fail open: the request is allowed
// and a warning logged.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	now := rl.now()
	result, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
	).Int64Slice()
	if err != nil || len(result) != 3 {
		logging.Warn("Redis rate limit unavailable, failing open",
			zap.String("key", key),
			zap.Error(err))
		return Decision{Allowed: true, Limit: rl.limit, Remaining: rl.limit}, nil
	}

	reset := time.UnixMilli(result[2])
	d := Decision{
		Allowed:   result[0] == 1,
		Limit:     rl.limit,
		Remaining: int(result[1]),
		Reset:     reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d, nil
}
