// Package gateway implements the Gateway & Middleware Chain subsystem
// (spec §4.6): a hosting surface layered on top of internal/server's
// inbound dispatch, intended for untrusted traffic. It wraps every
// invocation in an ordered MiddlewareChain before the envelope reaches
// local actor dispatch.
//
// Grounded on the teacher's internal/handler/amqp/middleware.go `bind`
// wrapper-function shape (generalized from one wrapping function to a
// chain of them) and on infra/server/grpc/interceptors/stream_auth.go's
// context-injection pattern for carrying an authenticated principal
// alongside a request.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/principal"
)

// Principal re-exports pkg/principal's authenticated-identity type
// (spec §3) so gateway callers need only import this package.
type Principal = principal.Principal

// PrincipalType re-exports pkg/principal's Type.
type PrincipalType = principal.Type

const (
	PrincipalUser    = principal.TypeUser
	PrincipalService = principal.TypeService
	PrincipalSystem  = principal.TypeSystem
)

// CredentialKind is the closed set of credential shapes the
// authentication middleware can extract (spec §4.6).
type CredentialKind string

const (
	CredentialBearer CredentialKind = "bearer"
	CredentialAPIKey CredentialKind = "apiKey"
	CredentialBasic  CredentialKind = "basic"
	CredentialCustom CredentialKind = "custom"
)

// Credentials is the extracted, not-yet-verified material an
// AuthenticationProvider consumes.
type Credentials struct {
	Kind     CredentialKind
	Token    string // bearer token or api key
	Username string // basic auth
	Password string // basic auth
	Extra    map[string]string
}

// AuthenticationProvider verifies Credentials and returns the Principal
// they identify (spec §6).
type AuthenticationProvider interface {
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// Action is the {actorType, method} pair an authorization decision is
// made against (spec §4.6).
type Action struct {
	ActorType string
	Method    string
}

// Resource is the {type, id} pair an authorization decision is made
// against (spec §4.6).
type Resource struct {
	Type string
	Id   string
}

// AuthorizationPolicy decides whether principal may perform action on
// resource (spec §6).
type AuthorizationPolicy interface {
	Authorize(ctx context.Context, principal *Principal, action Action, resource Resource) (bool, error)
}

// Context is the MiddlewareContext of spec §3: a correlation id, the
// time dispatch began, an optional principal installed by the
// authentication middleware, and a mutable metadata map seeded by the
// transport binding (request headers, connection-scoped attributes —
// the "configured place" credentials are extracted from).
type Context struct {
	CorrelationId string
	Timestamp     time.Time
	Principal     *Principal
	Metadata      map[string]string

	// values carries decisions later middlewares or observability may
	// want without widening the struct per-feature (e.g. the action
	// the authorization middleware derived, the rate-limit decision).
	values map[string]any
}

// NewContext builds a Context with a fresh correlation id and the given
// seed metadata (may be nil).
func NewContext(metadata map[string]string) *Context {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Context{
		CorrelationId: uuid.NewString(),
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}
}

// Set stores an arbitrary value under key for later middlewares.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = map[string]any{}
	}
	c.values[key] = value
}

// Value retrieves a value stored with Set.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Handler dispatches one invocation already resolved to its target
// actor. It is the unit middlewares wrap: the innermost Handler in a
// Chain performs the actual actor dispatch (spec §4.6).
type Handler func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error

// Middleware wraps a Handler with cross-cutting behavior: it may
// inspect or reject the envelope, mutate mctx.Metadata/Principal, or
// delegate to next.
type Middleware func(next Handler) Handler

// Chain composes an ordered list of Middleware, outermost-first (spec
// §4.6): Chain{A, B}.Then(final) runs A, then B, then final.
type Chain struct {
	stages []Middleware
}

// NewChain builds a Chain from stages in outermost-first order.
func NewChain(stages ...Middleware) *Chain {
	return &Chain{stages: stages}
}

// Then composes the chain around final, the innermost Handler.
func (c *Chain) Then(final Handler) Handler {
	h := final
	for i := len(c.stages) - 1; i >= 0; i-- {
		h = c.stages[i](h)
	}
	return h
}

// CategoryError is the error shape the gateway's error-shaping (spec
// §4.6) relies on: every middleware failure is rendered as
// "{Category}: {Err}" in the resulting response.failure, and Unwrap
// lets callers branch on the underlying sentinel with errors.Is/As.
type CategoryError struct {
	Category string
	Err      error
}

// NewCategoryError wraps err under category.
func NewCategoryError(category string, err error) *CategoryError {
	return &CategoryError{Category: category, Err: err}
}

func (e *CategoryError) Error() string { return fmt.Sprintf("%s: %v", e.Category, e.Err) }
func (e *CategoryError) Unwrap() error { return e.Err }
