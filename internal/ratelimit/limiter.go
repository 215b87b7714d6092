package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/workspace/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Class selects which budget of the rate limit policy applies.
type Class string

const (
	ClassDefault   Class = "default"
	ClassSensitive Class = "sensitive"
)

const (
	keyPrefix    = "ratelimit:"
	maxLocalKeys = 10000
	localIdleTTL = 10 * time.Minute
)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces per-key request budgets in redis. When redis cannot be
// reached it degrades to per-process x/time/rate buckets.
type Limiter struct {
	bucket *TokenBucket
	policy *config.PolicyHolder
	log    *zap.Logger

	mu    sync.Mutex
	local map[string]*localBucket
}

func NewLimiter(client *redis.Client, policy *config.PolicyHolder, log *zap.Logger) *Limiter {
	return &Limiter{
		bucket: NewTokenBucket(client),
		policy: policy,
		log:    log.Named("ratelimit"),
		local:  make(map[string]*localBucket),
	}
}

// Enabled reports the current policy switch; the policy can be reloaded.
func (l *Limiter) Enabled() bool {
	return l != nil && l.policy.Get().RateLimit.Enabled
}

// Allow takes one token for key under class.
func (l *Limiter) Allow(ctx context.Context, class Class, key string) *RateLimitResult {
	perSecond, burst := l.budget(class)
	fullKey := keyPrefix + string(class) + ":" + key

	res, err := l.bucket.Allow(ctx, fullKey, perSecond, burst)
	if err == nil {
		return res
	}
	l.log.Debug("redis rate limit unavailable, using local bucket", zap.Error(err))
	return l.allowLocal(fullKey, perSecond, burst)
}

func (l *Limiter) budget(class Class) (float64, int) {
	p := l.policy.Get().RateLimit
	window, max := p.Window, p.Max
	if class == ClassSensitive && p.SensitiveMax > 0 && p.SensitiveWindow > 0 {
		window, max = p.SensitiveWindow, p.SensitiveMax
	}
	return float64(max) / window.Seconds(), max
}

func (l *Limiter) allowLocal(key string, perSecond float64, burst int) *RateLimitResult {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLocalKeys {
			l.evictLocked(now)
		}
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.local[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	reservation := b.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return &RateLimitResult{
			Allowed:    false,
			Limit:      burst,
			ResetTime:  now.Add(delay),
			RetryAfter: delay,
		}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     burst,
		Remaining: int(b.limiter.TokensAt(now)),
		ResetTime: now,
	}
}

func (l *Limiter) evictLocked(now time.Time) {
	for key, b := range l.local {
		if now.Sub(b.lastSeen) > localIdleTTL {
			delete(l.local, key)
		}
	}
	if len(l.local) >= maxLocalKeys {
		l.local = make(map[string]*localBucket)
	}
}
