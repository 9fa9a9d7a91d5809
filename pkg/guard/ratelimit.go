package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/bos/core/pkg/event"
	"github.com/Mindburn-Labs/bos/core/pkg/policy"
)

// Tier is the rate budget for one actor class.
type Tier struct {
	// PerMinute is the sustained command rate.
	PerMinute int
	// Burst is the instantaneous allowance.
	Burst int
}

// DefaultTiers match the expected duty cycle of each actor class:
// devices stream telemetry, humans click, AI advises sparsely.
var DefaultTiers = map[event.ActorType]Tier{
	event.ActorHuman:  {PerMinute: 120, Burst: 30},
	event.ActorSystem: {PerMinute: 600, Burst: 120},
	event.ActorDevice: {PerMinute: 300, Burst: 60},
	event.ActorAI:     {PerMinute: 30, Burst: 10},
}

// LimiterStore answers whether one more command fits the actor's
// window for the business.
type LimiterStore interface {
	Allow(ctx context.Context, actorID, businessID string, tier Tier) (bool, error)
}

// LocalLimiter is the in-process limiter store, one token bucket per
// (actor, business).
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an empty limiter store.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow implements LimiterStore.
func (l *LocalLimiter) Allow(ctx context.Context, actorID, businessID string, tier Tier) (bool, error) {
	key := actorID + "/" + businessID
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(tier.PerMinute)/60.0), tier.Burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}

// RedisLimiter is a sliding-window limiter shared across kernel
// processes. Each (actor, business) has a sorted set of command
// timestamps; entries older than the window are trimmed on every
// check.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
}

// NewRedisLimiter creates a limiter over an existing client. A zero
// window defaults to one minute.
func NewRedisLimiter(client *redis.Client, window time.Duration) *RedisLimiter {
	if window == 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, window: window}
}

// Allow implements LimiterStore.
func (l *RedisLimiter) Allow(ctx context.Context, actorID, businessID string, tier Tier) (bool, error) {
	key := fmt.Sprintf("bos:ratelimit:%s:%s", businessID, actorID)
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.Format(time.RFC3339Nano)})
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return count.Val() < int64(tier.PerMinute), nil
}

// RateLimitGuard applies the per-actor sliding window. Limiter errors
// fail closed.
type RateLimitGuard struct {
	Store LimiterStore
	Tiers map[event.ActorType]Tier
}

// NewRateLimitGuard builds the guard with the default tier table.
func NewRateLimitGuard(store LimiterStore) *RateLimitGuard {
	return &RateLimitGuard{Store: store, Tiers: DefaultTiers}
}

func (g *RateLimitGuard) Name() string { return "rate_limit_guard" }

func (g *RateLimitGuard) Check(ctx context.Context, in *Input) *policy.Rejection {
	cmd := in.Command
	tier, ok := g.Tiers[cmd.ActorType]
	if !ok {
		tier = DefaultTiers[event.ActorHuman]
	}
	allowed, err := g.Store.Allow(ctx, cmd.ActorID, cmd.BusinessID, tier)
	if err != nil {
		return internalError(g.Name(), err)
	}
	if !allowed {
		return policy.Reject(policy.CodeQuotaExceeded, g.Name(),
			"actor %s exceeded the %s command rate for business %s",
			cmd.ActorID, cmd.ActorType, cmd.BusinessID)
	}
	return nil
}
