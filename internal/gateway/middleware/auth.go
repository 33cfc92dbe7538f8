// Package middleware implements the five gateway middlewares specified
// by spec §4.6: authentication, authorization, rate limiting,
// validation and tracing. Each is independent and constructed as a
// gateway.Middleware, composable in any order via gateway.NewChain.
package middleware

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/envelope"
)

// Sentinels for the authentication middleware's error taxonomy (spec
// §4.6): invalidCredentials, expired, malformed(reason), unavailable.
var (
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrCredentialsInvalid = errors.New("invalid credentials")
	ErrPrincipalExpired   = errors.New("principal expired")
	ErrProviderUnavailable = errors.New("authentication provider unavailable")
)

// MalformedCredentialsError reports a structurally broken credential
// (e.g. unparseable basic-auth base64), carrying the parse-level
// reason.
type MalformedCredentialsError struct {
	Reason string
}

func (e *MalformedCredentialsError) Error() string { return "malformed credentials: " + e.Reason }

// CredentialExtractor pulls not-yet-verified Credentials out of the
// envelope/context (spec §4.6: "a configured place in the envelope —
// metadata or argument blob").
type CredentialExtractor func(ctx *gateway.Context) (gateway.Credentials, error)

// DefaultCredentialExtractor reads a standard "authorization" metadata
// entry (Bearer/Basic) or an "x-api-key" entry, the conventional place
// a transport binding's MetadataSeeder populates from connection
// handshake headers.
func DefaultCredentialExtractor(mctx *gateway.Context) (gateway.Credentials, error) {
	if v, ok := mctx.Metadata["authorization"]; ok && v != "" {
		switch {
		case strings.HasPrefix(v, "Bearer "):
			return gateway.Credentials{Kind: gateway.CredentialBearer, Token: strings.TrimPrefix(v, "Bearer ")}, nil
		case strings.HasPrefix(v, "Basic "):
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, "Basic "))
			if err != nil {
				return gateway.Credentials{}, &MalformedCredentialsError{Reason: "invalid base64"}
			}
			user, pass, ok := strings.Cut(string(raw), ":")
			if !ok {
				return gateway.Credentials{}, &MalformedCredentialsError{Reason: "missing ':' separator"}
			}
			return gateway.Credentials{Kind: gateway.CredentialBasic, Username: user, Password: pass}, nil
		default:
			return gateway.Credentials{}, &MalformedCredentialsError{Reason: "unrecognized authorization scheme"}
		}
	}
	if v, ok := mctx.Metadata["x-api-key"]; ok && v != "" {
		return gateway.Credentials{Kind: gateway.CredentialAPIKey, Token: v}, nil
	}
	return gateway.Credentials{}, ErrCredentialsMissing
}

type config struct {
	extract CredentialExtractor
}

// Option configures the authentication middleware.
type Option func(*config)

// WithCredentialExtractor overrides DefaultCredentialExtractor, e.g. to
// pull credentials from InvocationEnvelope.Args[0] instead of
// connection metadata.
func WithCredentialExtractor(fn CredentialExtractor) Option {
	return func(c *config) { c.extract = fn }
}

// Authentication builds the spec §4.6 authentication middleware: it
// extracts Credentials, calls provider.Authenticate, rejects an
// already-expired principal, and installs the result on
// mctx.Principal before delegating to next.
//
// Grounded on infra/server/grpc/interceptors/stream_auth.go's
// context-injection pattern, generalized from a context.Context value
// to the gateway's own MiddlewareContext.
func Authentication(provider gateway.AuthenticationProvider, opts ...Option) gateway.Middleware {
	cfg := config{extract: DefaultCredentialExtractor}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next gateway.Handler) gateway.Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
			creds, err := cfg.extract(mctx)
			if err != nil {
				return gateway.NewCategoryError(gateway.CategoryAuthentication, err)
			}

			principal, err := provider.Authenticate(ctx, creds)
			if err != nil {
				return gateway.NewCategoryError(gateway.CategoryAuthentication, err)
			}
			if principal.IsExpired() {
				return gateway.NewCategoryError(gateway.CategoryAuthentication, ErrPrincipalExpired)
			}

			mctx.Principal = principal
			return next(ctx, inv, actor, mctx)
		}
	}
}
