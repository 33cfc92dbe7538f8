package client

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy is the {maxAttempts, initialDelay, maxDelay,
// backoffMultiplier} tuple of spec §4.5. MaxAttempts = 0 disables
// reconnection entirely: a session loss goes straight to failed.
type ReconnectPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// PolicyOption configures a ReconnectPolicy, following the teacher's
// functional-options idiom (internal/domain/registry/options.go).
type PolicyOption func(*ReconnectPolicy)

// WithMaxAttempts overrides the default max attempts (5).
func WithMaxAttempts(n int) PolicyOption {
	return func(p *ReconnectPolicy) { p.MaxAttempts = n }
}

// WithInitialDelay overrides the default initial delay (500ms).
func WithInitialDelay(d time.Duration) PolicyOption {
	return func(p *ReconnectPolicy) { p.InitialDelay = d }
}

// WithMaxDelay overrides the default max delay (30s).
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *ReconnectPolicy) { p.MaxDelay = d }
}

// WithBackoffMultiplier overrides the default multiplier (2.0).
func WithBackoffMultiplier(m float64) PolicyOption {
	return func(p *ReconnectPolicy) { p.BackoffMultiplier = m }
}

// DefaultReconnectPolicy returns the policy a Client built by New uses
// unless WithReconnectPolicy supplies another.
func DefaultReconnectPolicy(opts ...PolicyOption) ReconnectPolicy {
	p := ReconnectPolicy{
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// delay computes the reconnect delay for attempt n >= 1 (spec §4.5):
// min(maxDelay, initialDelay * multiplier^(n-1)).
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// disabled reports whether reconnection is turned off entirely.
func (p ReconnectPolicy) disabled() bool {
	return p.MaxAttempts == 0
}

// policyBackOff adapts ReconnectPolicy's fixed formula to
// cenkalti/backoff/v5's BackOff interface. The client's reconnect loop
// (Client.onSessionLost) calls NextBackOff for each attempt's delay and
// gives up when it returns backoff.Stop; the delay schedule stays
// exactly what spec §4.5 specifies rather than backoff's own
// exponential defaults.
type policyBackOff struct {
	policy  ReconnectPolicy
	attempt int
}

func newPolicyBackOff(p ReconnectPolicy) *policyBackOff {
	return &policyBackOff{policy: p}
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.policy.MaxAttempts > 0 && b.attempt > b.policy.MaxAttempts {
		return backoff.Stop
	}
	return b.policy.delay(b.attempt)
}

// Reset restarts the attempt counter, satisfying backoff.BackOff.
func (b *policyBackOff) Reset() { b.attempt = 0 }
