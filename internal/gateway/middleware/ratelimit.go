package middleware

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/envelope"
)

// ErrRateLimited is the spec §4.6 rate-limit failure.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitResult is the outcome of one RateLimiter.CheckLimit call
// (spec §4.6): whether the request is allowed, tokens/slots remaining,
// when the limit resets, and — when denied — how long the caller
// should wait before retrying.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter *time.Duration
}

// RateLimiter is the pluggable limiting strategy the middleware
// consults (spec §4.6). TokenBucketLimiter and SlidingWindowLimiter are
// the two specified algorithms.
type RateLimiter interface {
	CheckLimit(key string, cost int64) (RateLimitResult, error)
	// Reset clears any accumulated state for key.
	Reset(key string)
}

// idleEvictionDefault bounds how long an idle bucket/window survives
// in the backing expirable.LRU before eviction (spec §4.6 "periodic
// eviction of idle buckets/windows").
const idleEvictionDefault = 10 * time.Minute

// maxTrackedKeysDefault bounds the backing LRU's key count, independent
// of the TTL-based idle eviction, so a burst of distinct keys cannot
// grow the limiter's memory unbounded between evictions.
const maxTrackedKeysDefault = 100_000

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// TokenBucketLimiter implements the token-bucket algorithm of spec
// §4.6: tokens accumulate at refillPerSecond up to capacity; a request
// of cost succeeds iff enough tokens are available. Idle buckets are
// evicted from the backing hashicorp/golang-lru/v2 expirable.LRU after
// idleTTL of inactivity.
type TokenBucketLimiter struct {
	capacity        float64
	refillPerSecond float64
	buckets         *expirable.LRU[string, *tokenBucketState]
}

// NewTokenBucketLimiter builds a limiter with the given capacity and
// refill rate (tokens/second). idleTTL of zero selects
// idleEvictionDefault.
func NewTokenBucketLimiter(capacity, refillPerSecond float64, idleTTL time.Duration) *TokenBucketLimiter {
	if idleTTL <= 0 {
		idleTTL = idleEvictionDefault
	}
	return &TokenBucketLimiter{
		capacity:        capacity,
		refillPerSecond: refillPerSecond,
		buckets:         expirable.NewLRU[string, *tokenBucketState](maxTrackedKeysDefault, nil, idleTTL),
	}
}

func (l *TokenBucketLimiter) CheckLimit(key string, cost int64) (RateLimitResult, error) {
	st, ok := l.buckets.Get(key)
	if !ok {
		st = &tokenBucketState{tokens: l.capacity, lastRefill: time.Now()}
		l.buckets.Add(key, st)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(st.lastRefill).Seconds()
	st.tokens = math.Min(l.capacity, st.tokens+elapsed*l.refillPerSecond)
	st.lastRefill = now

	c := float64(cost)
	if st.tokens >= c {
		st.tokens -= c
		resetIn := time.Duration((l.capacity - st.tokens) / l.refillPerSecond * float64(time.Second))
		return RateLimitResult{Allowed: true, Remaining: int64(st.tokens), ResetAt: now.Add(resetIn)}, nil
	}

	deficit := c - st.tokens
	retryAfter := time.Duration(deficit / l.refillPerSecond * float64(time.Second))
	return RateLimitResult{
		Allowed:    false,
		Remaining:  int64(st.tokens),
		ResetAt:    now.Add(retryAfter),
		RetryAfter: &retryAfter,
	}, nil
}

func (l *TokenBucketLimiter) Reset(key string) { l.buckets.Remove(key) }

type windowState struct {
	mu      sync.Mutex
	entries []time.Time
}

// SlidingWindowLimiter implements the sliding-window algorithm of spec
// §4.6: it records timestamped request entries and allows a request
// iff the count of entries within the last windowDuration, plus cost,
// does not exceed max.
type SlidingWindowLimiter struct {
	window  time.Duration
	max     int64
	windows *expirable.LRU[string, *windowState]
}

// NewSlidingWindowLimiter builds a limiter over window with at most max
// requests counted in any rolling window. idleTTL of zero selects
// idleEvictionDefault.
func NewSlidingWindowLimiter(window time.Duration, max int64, idleTTL time.Duration) *SlidingWindowLimiter {
	if idleTTL <= 0 {
		idleTTL = idleEvictionDefault
	}
	return &SlidingWindowLimiter{
		window:  window,
		max:     max,
		windows: expirable.NewLRU[string, *windowState](maxTrackedKeysDefault, nil, idleTTL),
	}
}

func (l *SlidingWindowLimiter) CheckLimit(key string, cost int64) (RateLimitResult, error) {
	st, ok := l.windows.Get(key)
	if !ok {
		st = &windowState{}
		l.windows.Add(key, st)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	kept := st.entries[:0]
	for _, ts := range st.entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.entries = kept

	if int64(len(st.entries))+cost <= l.max {
		for i := int64(0); i < cost; i++ {
			st.entries = append(st.entries, now)
		}
		return RateLimitResult{
			Allowed:   true,
			Remaining: l.max - int64(len(st.entries)),
			ResetAt:   now.Add(l.window),
		}, nil
	}

	var oldest time.Time
	if len(st.entries) > 0 {
		oldest = st.entries[0]
	}
	retryAfter := oldest.Add(l.window).Sub(now)
	return RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    oldest.Add(l.window),
		RetryAfter: &retryAfter,
	}, nil
}

func (l *SlidingWindowLimiter) Reset(key string) { l.windows.Remove(key) }

// KeyFunc derives the rate-limit key from the request's context.
type KeyFunc func(mctx *gateway.Context) string

// CostFunc derives the request's cost.
type CostFunc func(inv *envelope.InvocationEnvelope) int64

// DefaultKeyFunc keys by principal id when authenticated, falling back
// to a shared "anonymous:global" key so an unauthenticated caller
// cannot bypass limiting by varying the target actor id (spec §4.6).
func DefaultKeyFunc(mctx *gateway.Context) string {
	if mctx.Principal != nil && mctx.Principal.Id != "" {
		return mctx.Principal.Id
	}
	return "anonymous:global"
}

// DefaultCostFunc charges every invocation a flat cost of 1.
func DefaultCostFunc(*envelope.InvocationEnvelope) int64 { return 1 }

type rateLimitConfig struct {
	key  KeyFunc
	cost CostFunc
}

// RateLimitOption configures the RateLimit middleware.
type RateLimitOption func(*rateLimitConfig)

// WithKeyFunc overrides DefaultKeyFunc.
func WithKeyFunc(fn KeyFunc) RateLimitOption {
	return func(c *rateLimitConfig) { c.key = fn }
}

// WithCostFunc overrides DefaultCostFunc.
func WithCostFunc(fn CostFunc) RateLimitOption {
	return func(c *rateLimitConfig) { c.cost = fn }
}

// RateLimit builds the spec §4.6 rate-limiting middleware.
func RateLimit(limiter RateLimiter, opts ...RateLimitOption) gateway.Middleware {
	cfg := rateLimitConfig{key: DefaultKeyFunc, cost: DefaultCostFunc}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next gateway.Handler) gateway.Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
			key := cfg.key(mctx)
			cost := cfg.cost(inv)

			result, err := limiter.CheckLimit(key, cost)
			if err != nil {
				return gateway.NewCategoryError(gateway.CategoryRateLimit, err)
			}
			mctx.Set("gateway.rateLimit", result)

			if !result.Allowed {
				return gateway.NewCategoryError(gateway.CategoryRateLimit, ErrRateLimited)
			}
			return next(ctx, inv, actor, mctx)
		}
	}
}
