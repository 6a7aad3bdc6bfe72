// Package ratelimit enforces each org's per-minute ingest quota (§4.6 step
// 3): a shared Redis counter when Redis is reachable, falling back to the
// teacher's in-process token-bucket limiter per the spec's fail_closed
// policy otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	infraratelimit "github.com/fleetsentry/endpointmon/infrastructure/ratelimit"
)

// Limiter enforces a per-org requests-per-minute budget.
type Limiter struct {
	redis *redis.Client
	keyFn func(orgID string) string

	mu       sync.Mutex
	fallback map[string]*infraratelimit.RateLimiter
}

// New builds a Limiter. redisClient may be nil, in which case every check
// uses the in-process fallback (matching a single-process/test deployment).
func New(redisClient *redis.Client) *Limiter {
	return &Limiter{
		redis:    redisClient,
		keyFn:    func(orgID string) string { return fmt.Sprintf("em:ratelimit:%s", orgID) },
		fallback: make(map[string]*infraratelimit.RateLimiter),
	}
}

// Allow reports whether org orgID may make one more request this minute,
// given its configured per-minute budget. On Redis error it falls back to
// the in-process limiter rather than failing the request open or closed
// unconditionally — "fail_closed" in §4.6 means the request is still
// subject to a limit, just a locally-enforced one instead of the shared one.
func (l *Limiter) Allow(ctx context.Context, orgID string, perMinute int) (bool, error) {
	if l.redis == nil {
		return !l.fallbackFor(orgID, perMinute).LimitExceeded(), nil
	}

	key := l.keyFn(orgID)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return !l.fallbackFor(orgID, perMinute).LimitExceeded(), nil
	}
	if count == 1 {
		l.redis.Expire(ctx, key, time.Minute)
	}
	return int(count) <= perMinute, nil
}

func (l *Limiter) fallbackFor(orgID string, perMinute int) *infraratelimit.RateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.fallback[orgID]
	if !ok {
		cfg := infraratelimit.DefaultConfig()
		cfg.RequestsPerSecond = float64(perMinute) / 60
		cfg.Burst = perMinute
		lim = infraratelimit.New(cfg)
		l.fallback[orgID] = lim
	}
	return lim
}
