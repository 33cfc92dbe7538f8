package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	l := NewTokenBucketLimiter(3, 1, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := l.CheckLimit("k", 1)
		if err != nil || !res.Allowed {
			t.Fatalf("attempt %d: expected allowed, got %+v err=%v", i, res, err)
		}
	}
	res, err := l.CheckLimit("k", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("expected 4th request denied")
	}
	if res.RetryAfter == nil {
		t.Fatal("expected RetryAfter set on denial")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1000, time.Minute) // 1000 tokens/sec refill
	res, err := l.CheckLimit("k", 1)
	if err != nil || !res.Allowed {
		t.Fatalf("expected first request allowed, got %+v err=%v", res, err)
	}
	time.Sleep(5 * time.Millisecond)
	res, err = l.CheckLimit("k", 1)
	if err != nil || !res.Allowed {
		t.Fatalf("expected refill to allow second request, got %+v err=%v", res, err)
	}
}

func TestTokenBucketReset(t *testing.T) {
	l := NewTokenBucketLimiter(1, 0.001, time.Minute)
	l.CheckLimit("k", 1)
	res, _ := l.CheckLimit("k", 1)
	if res.Allowed {
		t.Fatal("expected second request denied before reset")
	}
	l.Reset("k")
	res, _ = l.CheckLimit("k", 1)
	if !res.Allowed {
		t.Fatal("expected request allowed after reset")
	}
}

func TestSlidingWindowAllowsUpToMax(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 2, time.Minute)

	res1, _ := l.CheckLimit("k", 1)
	res2, _ := l.CheckLimit("k", 1)
	res3, _ := l.CheckLimit("k", 1)

	if !res1.Allowed || !res2.Allowed {
		t.Fatal("expected first two requests allowed")
	}
	if res3.Allowed {
		t.Fatal("expected third request denied")
	}
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	l := NewSlidingWindowLimiter(20*time.Millisecond, 1, time.Minute)

	res1, _ := l.CheckLimit("k", 1)
	if !res1.Allowed {
		t.Fatal("expected first request allowed")
	}
	time.Sleep(30 * time.Millisecond)
	res2, _ := l.CheckLimit("k", 1)
	if !res2.Allowed {
		t.Fatal("expected request allowed once window rolled")
	}
}

type stubLimiter struct {
	allowed bool
	calls   []string
}

func (s *stubLimiter) CheckLimit(key string, cost int64) (RateLimitResult, error) {
	s.calls = append(s.calls, key)
	return RateLimitResult{Allowed: s.allowed}, nil
}
func (s *stubLimiter) Reset(key string) {}

func runRateLimitChain(mw gateway.Middleware, mctx *gateway.Context) error {
	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
		return nil
	}
	inv := &envelope.InvocationEnvelope{CallId: "c1", Target: "room-1", TargetIdent: "greet"}
	actor := &actorsystem.BaseActor{Id: actorid.ActorId{Id: "room-1"}}
	return mw(final)(context.Background(), inv, actor, mctx)
}

func TestRateLimitDefaultKeyUsesPrincipal(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	mw := RateLimit(limiter)
	mctx := gateway.NewContext(nil)
	mctx.Principal = &gateway.Principal{Id: "u1"}

	if err := runRateLimitChain(mw, mctx); err != nil {
		t.Fatal(err)
	}
	if len(limiter.calls) != 1 || limiter.calls[0] != "u1" {
		t.Fatalf("unexpected keys: %v", limiter.calls)
	}
}

func TestRateLimitDefaultKeyAnonymousFallback(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	mw := RateLimit(limiter)
	mctx := gateway.NewContext(nil)

	if err := runRateLimitChain(mw, mctx); err != nil {
		t.Fatal(err)
	}
	if limiter.calls[0] != "anonymous:global" {
		t.Fatalf("unexpected key: %v", limiter.calls)
	}
}

func TestRateLimitDeniedFailsWithCategory(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	mw := RateLimit(limiter)
	mctx := gateway.NewContext(nil)

	err := runRateLimitChain(mw, mctx)
	var catErr *gateway.CategoryError
	if !errors.As(err, &catErr) || catErr.Category != gateway.CategoryRateLimit {
		t.Fatalf("expected rate limit category error, got %v", err)
	}
}
