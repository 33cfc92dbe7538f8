package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/merrors"
	"github.com/actormesh/core/pkg/metrics"
	"github.com/actormesh/core/pkg/transport"
)

// Connector is the transport capability Client needs beyond plain
// message framing: an explicit (re)connect and a liveness check,
// supplied by wsbind.Binding and grpcbind.Binding.
type Connector interface {
	transport.Transport
	Connect(ctx context.Context, ep transport.Endpoint) error
	Connected(ep transport.Endpoint) bool
}

// Client owns one outbound session to a configured endpoint (spec
// §4.5). It starts a background consumer on the transport's inbound
// sequence, routes every envelope into the ActorSystem's pending-call
// or stream tables, and watches for session loss to drive the
// reconnect state machine.
//
// Every (re)connect starts a new "generation" of consumer+watchdog
// goroutines; onSessionLost cancels the outgoing generation before
// starting the next one, so exactly one pair ever drains the shared
// transport.Incoming() channel at a time.
type Client struct {
	tr     Connector
	ep     transport.Endpoint
	system *actorsystem.System
	policy ReconnectPolicy

	sm            *stateMachine
	watchInterval time.Duration
	metrics       *metrics.Collector
	log           *slog.Logger

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu        sync.Mutex
	genCancel context.CancelFunc
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithReconnectPolicy overrides DefaultReconnectPolicy().
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithWatchInterval overrides the default liveness-poll interval (2s).
func WithWatchInterval(d time.Duration) Option {
	return func(c *Client) { c.watchInterval = d }
}

// WithMetrics attaches a metrics collector; connections.active/total
// are recorded around connect/disconnect transitions.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a Client bound to tr and ep, dispatching into sys.
func New(tr Connector, ep transport.Endpoint, sys *actorsystem.System, opts ...Option) *Client {
	c := &Client{
		tr:            tr,
		ep:            ep,
		system:        sys,
		policy:        DefaultReconnectPolicy(),
		sm:            newStateMachine(),
		watchInterval: 2 * time.Second,
		log:           slog.Default(),
	}
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State { return c.sm.current() }

// Connect performs the disconnected/failed -> connecting -> connected
// transition of spec §4.5. It is a single attempt: the reconnect
// policy governs recovery after a connected session is subsequently
// lost, not this initial attempt.
func (c *Client) Connect(ctx context.Context) error {
	if !c.sm.toConnecting() {
		return merrors.InvalidConfiguration("client: connect() invalid from state " + c.sm.current().String())
	}

	if err := c.tr.Connect(ctx, c.ep); err != nil {
		c.sm.toFailed(err)
		return err
	}

	c.sm.toConnected()
	c.recordConnected()
	c.startBackground()
	return nil
}

// startBackground cancels the current generation, if any, and launches
// a fresh consumer+watchdog pair bound to c.lifeCtx (so only Close
// stops them for good; a later reconnect cancels this generation in
// turn before starting the next).
func (c *Client) startBackground() {
	genCtx, cancel := context.WithCancel(c.lifeCtx)

	c.mu.Lock()
	prev := c.genCancel
	c.genCancel = cancel
	c.mu.Unlock()

	if prev != nil {
		prev()
	}

	go c.runConsumer(genCtx)
	go c.runWatchdog(genCtx)
}

// runConsumer drains the transport's inbound sequence and routes each
// envelope to the ActorSystem (spec §4.5). It exits when ctx is
// cancelled (Close or reconnect teardown); it does not itself detect
// session loss, since Incoming() only closes on a full transport
// Shutdown, not on a single dropped peer (runWatchdog owns that).
func (c *Client) runConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.tr.Incoming():
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg transport.Message) {
	env, err := envelope.Decode(msg.Bytes)
	if err != nil {
		c.log.Warn("client: decode failed, dropping", "error", err)
		return
	}

	switch env.Kind {
	case envelope.KindResponse:
		c.system.CompletePendingCall(env.Response)
	case envelope.KindStreamStart:
		c.system.HandleStreamStart(env.StreamStart)
	case envelope.KindStreamData:
		c.system.HandleStreamData(env.StreamData)
	case envelope.KindStreamEnd:
		c.system.HandleStreamEnd(env.StreamEnd)
	case envelope.KindStreamError:
		c.system.HandleStreamError(env.StreamError)
	default:
		c.log.Warn("client: envelope kind invalid on client side, dropping", "kind", env.Kind)
	}
}

// runWatchdog polls Connected at watchInterval; the first observed
// drop while in the connected state starts reconnection.
func (c *Client) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.sm.current().Kind != Connected {
				continue
			}
			if !c.tr.Connected(c.ep) {
				c.onSessionLost()
				return
			}
		}
	}
}

// onSessionLost implements spec §4.5's connected -> reconnecting(1)
// transition and the reconnect loop through reconnecting(n) ->
// connected | reconnecting(n+1) | failed. Pending calls are failed
// immediately, matching spec §3's "session loss fails all pending
// entries with connectionClosed" — but active streams are deliberately
// left registered in the client stream table across the attempt:
// resumeActiveStreams needs their checkpoints after a successful
// reconnect, and their consumer channels must still be open for
// resumed StreamData to land on. Streams are only torn down with
// connectionClosed once reconnection is abandoned for good (policy
// disabled, backoff exhausted, or Close() during the wait). The loop
// runs against c.lifeCtx, not the (already cancelled-on-next-generation)
// watchdog ctx that observed the drop.
func (c *Client) onSessionLost() {
	c.system.FailAllPending()
	c.recordDisconnected()

	if c.policy.disabled() {
		c.system.CloseAllStreams()
		c.sm.toFailed(merrors.ConnectionClosed())
		return
	}

	bo := newPolicyBackOff(c.policy)
	attempt := 0
	for {
		attempt++
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.system.CloseAllStreams()
			c.sm.toFailed(merrors.ConnectionClosed())
			return
		}
		c.sm.toReconnecting(attempt)

		select {
		case <-c.lifeCtx.Done():
			c.system.CloseAllStreams()
			return
		case <-time.After(delay):
		}

		if err := c.tr.Connect(c.lifeCtx, c.ep); err != nil {
			c.log.Warn("client: reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.sm.toConnected()
		c.recordConnected()
		c.resumeActiveStreams()
		c.startBackground()
		return
	}
}

// resumeActiveStreams emits a streamResume per active checkpoint after
// a successful reconnect (spec §4.5's "stream resumption on reconnect").
func (c *Client) resumeActiveStreams() {
	for _, cp := range c.system.ActiveStreamCheckpoints() {
		data, err := envelope.NewStreamResume(cp.StreamId.String(), cp.LastSequence).Encode()
		if err != nil {
			c.log.Warn("client: failed to encode resume", "streamId", cp.StreamId, "error", err)
			continue
		}
		if err := c.tr.Send(c.lifeCtx, data, c.ep); err != nil {
			c.log.Warn("client: failed to send resume", "streamId", cp.StreamId, "error", err)
		}
	}
}

// Close tears down the client's background goroutines for good and
// resets the state machine to disconnected. A closed Client cannot be
// reconnected; build a new one.
func (c *Client) Close() {
	c.lifeCancel()
	c.sm.toDisconnected()
}

func (c *Client) recordConnected() {
	if c.metrics == nil {
		return
	}
	c.metrics.IncrementCounter(metrics.NameConnectionsTotal, 1, nil)
	c.metrics.RecordGauge(metrics.NameConnectionsActive, 1, nil)
}

func (c *Client) recordDisconnected() {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordGauge(metrics.NameConnectionsActive, 0, nil)
}
