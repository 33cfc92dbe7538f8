package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/envelope"
)

// ErrValidation is the sentinel every validation failure wraps.
var ErrValidation = errors.New("validation failed")

// ValidationLimits bounds an invocation's shape (spec §4.6): actor id
// length, method (target identifier) length, argument count, and
// per-argument byte size.
type ValidationLimits struct {
	MaxActorIdLength int
	MaxMethodLength  int
	MaxArgs          int
	MaxArgBytes      int
}

// PermissiveLimits imposes generous bounds, useful for trusted internal
// gateways that still want a backstop against pathological input.
var PermissiveLimits = ValidationLimits{
	MaxActorIdLength: 4096,
	MaxMethodLength:  1024,
	MaxArgs:          256,
	MaxArgBytes:      16 << 20, // 16MiB
}

// DefaultLimits is a moderate preset appropriate for a typical
// untrusted gateway.
var DefaultLimits = ValidationLimits{
	MaxActorIdLength: 512,
	MaxMethodLength:  256,
	MaxArgs:          64,
	MaxArgBytes:      1 << 20, // 1MiB
}

// StrictLimits imposes tight bounds, appropriate for public-facing
// gateways handling small, well-known argument shapes.
var StrictLimits = ValidationLimits{
	MaxActorIdLength: 128,
	MaxMethodLength:  64,
	MaxArgs:          16,
	MaxArgBytes:      64 << 10, // 64KiB
}

type validationError struct {
	reason string
}

func (e *validationError) Error() string { return fmt.Sprintf("%s: %s", ErrValidation, e.reason) }
func (e *validationError) Unwrap() error { return ErrValidation }

// Validate builds the spec §4.6 validation middleware: it rejects
// envelopes whose actor id, method name, or argument sizes exceed
// limits.
func Validate(limits ValidationLimits) gateway.Middleware {
	return func(next gateway.Handler) gateway.Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
			if err := validateInvocation(inv, limits); err != nil {
				return gateway.NewCategoryError(gateway.CategoryValidation, err)
			}
			return next(ctx, inv, actor, mctx)
		}
	}
}

func validateInvocation(inv *envelope.InvocationEnvelope, limits ValidationLimits) error {
	if len(inv.Target) > limits.MaxActorIdLength {
		return &validationError{reason: fmt.Sprintf("target id length %d exceeds limit %d", len(inv.Target), limits.MaxActorIdLength)}
	}
	if len(inv.TargetIdent) > limits.MaxMethodLength {
		return &validationError{reason: fmt.Sprintf("method name length %d exceeds limit %d", len(inv.TargetIdent), limits.MaxMethodLength)}
	}
	if len(inv.Args) > limits.MaxArgs {
		return &validationError{reason: fmt.Sprintf("argument count %d exceeds limit %d", len(inv.Args), limits.MaxArgs)}
	}
	for i, arg := range inv.Args {
		if len(arg) > limits.MaxArgBytes {
			return &validationError{reason: fmt.Sprintf("argument %d size %d exceeds limit %d", i, len(arg), limits.MaxArgBytes)}
		}
	}
	return nil
}
