package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/actormesh/core/pkg/merrors"
)

// Session is one active outbound connection to an Endpoint.
type Session interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a new Session to an endpoint. Concrete transport
// bindings (wsbind, grpcbind) supply this.
type Dialer func(ctx context.Context, endpoint Endpoint) (Session, error)

// Pool is the outbound ConnectionPool of spec §3/§4.3: one active session
// per endpoint, double-checked lazy creation, atomic removal on close. A
// per-endpoint circuit breaker (sony/gobreaker) protects remoteCall
// callers from repeatedly paying a full dial timeout against a known-down
// peer — it trips open after three consecutive dial failures (a failed
// Send evicts the session but is not counted by the breaker) and only
// lets a single half-open probe through until that probe succeeds.
type Pool struct {
	dial Dialer

	mu       sync.Mutex
	sessions map[Endpoint]Session
	breakers map[Endpoint]*gobreaker.CircuitBreaker[any]

	// sf collapses concurrent sessionFor calls racing to dial the same
	// endpoint into a single in-flight dial: every caller but the first
	// blocks on and shares that one dial's result instead of each paying
	// its own breaker/dial round trip.
	sf singleflight.Group
}

// NewPool builds a Pool that dials new sessions via dial.
func NewPool(dial Dialer) *Pool {
	return &Pool{
		dial:     dial,
		sessions: make(map[Endpoint]Session),
		breakers: make(map[Endpoint]*gobreaker.CircuitBreaker[any]),
	}
}

func (p *Pool) breakerFor(ep Endpoint) *gobreaker.CircuitBreaker[any] {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[ep]
	if ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        ep.String(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	p.breakers[ep] = b
	return b
}

// sessionFor returns the pooled session for endpoint, dialing one if
// none exists yet. Concurrent misses for the same endpoint collapse
// into a single dial via p.sf; only that one dial pays the circuit
// breaker's accounting, and every caller observes its outcome.
func (p *Pool) sessionFor(ctx context.Context, ep Endpoint) (Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[ep]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	breaker := p.breakerFor(ep)
	result, err, _ := p.sf.Do(ep.String(), func() (any, error) {
		p.mu.Lock()
		if s, ok := p.sessions[ep]; ok {
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		return breaker.Execute(func() (any, error) {
			s, err := p.dial(ctx, ep)
			if err != nil {
				return nil, merrors.ConnectionFailed(ep.Host, ep.Port, err)
			}

			p.mu.Lock()
			p.sessions[ep] = s
			p.mu.Unlock()
			return s, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result.(Session), nil
}

// HasSession reports whether a live pooled session exists for ep,
// without dialing one. A failed Send evicts its session via Remove, so
// a caller polling HasSession observes session loss the same way Send
// callers do — client dispatch (internal/client) uses this as its
// liveness check instead of a dedicated heartbeat envelope (the wire
// protocol defines none).
func (p *Pool) HasSession(ep Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[ep]
	return ok
}

// Connect ensures a session exists for ep without sending any data,
// dialing one under the same double-checked locking Send uses. Client
// dispatch (internal/client) calls this to implement the explicit
// connect()/reconnect() transitions of spec §4.5, which have no wire
// payload of their own.
func (p *Pool) Connect(ctx context.Context, ep Endpoint) error {
	_, err := p.sessionFor(ctx, ep)
	return err
}

// Send dials (if needed) and sends data to endpoint.
func (p *Pool) Send(ctx context.Context, data []byte, ep Endpoint) error {
	s, err := p.sessionFor(ctx, ep)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, data); err != nil {
		p.Remove(ep)
		return fmt.Errorf("transport: send to %s: %w", ep, err)
	}
	return nil
}

// Remove atomically closes and removes the session for endpoint, if any.
func (p *Pool) Remove(ep Endpoint) {
	p.mu.Lock()
	s, ok := p.sessions[ep]
	if ok {
		delete(p.sessions, ep)
	}
	p.mu.Unlock()

	if ok {
		_ = s.Close()
	}
}

// Shutdown closes every pooled session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[Endpoint]Session)
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Active returns the number of currently pooled sessions (feeds the
// connections.active gauge, spec §4.7).
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
