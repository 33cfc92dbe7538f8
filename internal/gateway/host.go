package gateway

import (
	"context"
	"log/slog"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/server"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/metrics"
	"github.com/actormesh/core/pkg/transport"
)

// Category* are the canonical CategoryError.Category values the
// built-in middlewares use (spec §4.6's "Authentication failed: ...",
// "Authorization failed: ...", etc.), exported so custom middlewares
// can reuse the same strings and so the gateway can map them back to
// an invocations.errors reason tag.
const (
	CategoryAuthentication = "Authentication failed"
	CategoryAuthorization  = "Authorization failed"
	CategoryRateLimit      = "Rate limit exceeded"
	CategoryValidation     = "Validation failed"
)

// MetadataSeeder extracts connection/request-scoped metadata (auth
// headers, client ip, whatever the transport binding can observe at
// handshake) for a given inbound message. Transport bindings that have
// no such concept (e.g. a bidi gRPC stream with no per-message
// metadata) may supply a seeder that always returns nil.
type MetadataSeeder func(msg transport.Message) map[string]string

// Gateway layers a MiddlewareChain in front of a Server's inbound
// dispatch (spec §4.6): it is the hosting surface for untrusted
// traffic, while Server itself remains usable directly for trusted,
// intra-cluster peers that should skip the chain.
type Gateway struct {
	server  *server.Server
	chain   *Chain
	seeder  MetadataSeeder
	metrics *metrics.Collector
	log     *slog.Logger
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithMetadataSeeder installs the per-message metadata seeder.
func WithMetadataSeeder(fn MetadataSeeder) Option {
	return func(g *Gateway) { g.seeder = fn }
}

// WithMetrics attaches a metrics collector; invocations.errors is
// incremented with the middleware's category reason on chain
// rejection.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New builds a Gateway wrapping srv with the given middleware chain,
// composed outermost-first.
func New(srv *server.Server, stages []Middleware, opts ...Option) *Gateway {
	g := &Gateway{
		server: srv,
		chain:  NewChain(stages...),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle is the Gateway's transport.Incoming consumer entry point. It
// decodes msg, runs invocation envelopes through the middleware chain
// ahead of actor dispatch, and forwards every other envelope kind
// straight to the underlying Server unmodified (streamResume rides on
// an already-authenticated stream and carries no new credentials to
// check).
func (g *Gateway) Handle(ctx context.Context, msg transport.Message) {
	env, err := envelope.Decode(msg.Bytes)
	if err != nil {
		g.log.Warn("gateway: decode failed, dropping", "error", err)
		return
	}

	if env.Kind != envelope.KindInvocation {
		g.server.Handle(ctx, msg)
		return
	}

	g.handleInvocation(ctx, env.Invocation, msg)
}

func (g *Gateway) handleInvocation(ctx context.Context, inv *envelope.InvocationEnvelope, msg transport.Message) {
	actor, err := g.server.ResolveTarget(inv)
	if err != nil {
		g.recordError(metrics.ReasonActorNotFound)
		g.server.RespondFailure(msg.Respond, inv.CallId, err.Error())
		return
	}

	var metadata map[string]string
	if g.seeder != nil {
		metadata = g.seeder(msg)
	}
	mctx := NewContext(metadata)

	handler := g.chain.Then(func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
		g.server.DispatchInvocation(ctx, actor, inv, msg.Respond)
		return nil
	})

	if err := handler(ctx, inv, actor, mctx); err != nil {
		g.recordCategoryError(err)
		g.server.RespondFailure(msg.Respond, inv.CallId, err.Error())
	}
}

func (g *Gateway) recordError(reason metrics.ErrorReason) {
	if g.metrics == nil {
		return
	}
	g.metrics.IncrementCounter(metrics.NameInvocationsErrors, 1, metrics.Tags{"reason": string(reason)})
}

func (g *Gateway) recordCategoryError(err error) {
	if g.metrics == nil {
		return
	}
	reason := metrics.ReasonHandlerError
	if ce, ok := err.(*CategoryError); ok {
		reason = categoryReason(ce.Category)
	}
	g.metrics.IncrementCounter(metrics.NameInvocationsErrors, 1, metrics.Tags{"reason": string(reason)})
}

func categoryReason(category string) metrics.ErrorReason {
	switch category {
	case CategoryAuthentication:
		return metrics.ReasonAuthenticationError
	case CategoryAuthorization:
		return metrics.ReasonAuthorizationError
	case CategoryRateLimit:
		return metrics.ReasonRateLimitExceeded
	case CategoryValidation:
		return metrics.ReasonValidationError
	default:
		return metrics.ReasonHandlerError
	}
}
