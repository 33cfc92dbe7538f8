package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/envelope"
)

// ErrPrincipalRequired is returned when Authorization runs without an
// installed principal and anonymous access is not permitted.
var ErrPrincipalRequired = errors.New("authentication required")

// ErrAccessDenied is the spec §4.6 accessDenied failure.
var ErrAccessDenied = errors.New("access denied")

type authzConfig struct {
	allowAnonymous bool
}

// AuthzOption configures the authorization middleware.
type AuthzOption func(*authzConfig)

// WithAnonymousAllowed permits requests with no mctx.Principal to reach
// policy.Authorize with a nil principal, instead of failing outright
// (spec §4.6's "optional variant permits anonymous requests").
func WithAnonymousAllowed() AuthzOption {
	return func(c *authzConfig) { c.allowAnonymous = true }
}

// Authorization builds the spec §4.6 authorization middleware: it
// derives action = {actorType, method} and resource = {type, id} from
// the envelope and resolved actor, then consults policy.Authorize.
func Authorization(policy gateway.AuthorizationPolicy, opts ...AuthzOption) gateway.Middleware {
	cfg := authzConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next gateway.Handler) gateway.Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
			if mctx.Principal == nil && !cfg.allowAnonymous {
				return gateway.NewCategoryError(gateway.CategoryAuthorization, ErrPrincipalRequired)
			}

			action := gateway.Action{ActorType: actorType(actor), Method: inv.TargetIdent}
			resource := gateway.Resource{Type: action.ActorType, Id: actor.ActorId().String()}
			mctx.Set("gateway.action", action)
			mctx.Set("gateway.resource", resource)

			allowed, err := policy.Authorize(ctx, mctx.Principal, action, resource)
			if err != nil {
				return gateway.NewCategoryError(gateway.CategoryAuthorization, err)
			}
			if !allowed {
				return gateway.NewCategoryError(gateway.CategoryAuthorization, ErrAccessDenied)
			}

			return next(ctx, inv, actor, mctx)
		}
	}
}

// actorType derives a coarse actor type from the conventional
// "<type>-<uuid>" id shape produced by actorid.New. Actors constructed
// with a bare id (no '-') report "actor".
func actorType(actor actorsystem.Actor) string {
	id := actor.ActorId().Id
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return "actor"
}
