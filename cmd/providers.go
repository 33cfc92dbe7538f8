package cmd

import (
	"context"
	"errors"
	"sync"

	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/internal/gateway/middleware"
	"github.com/actormesh/core/pkg/principal"
)

// staticAPIKeyProvider is the reference AuthenticationProvider (spec §9:
// "concrete authentication algorithms are left to the integrator" —
// this is that integration's trivial example, not a production
// credential store). It resolves a pre-shared API key to a fixed
// Principal; a real deployment supplies its own provider satisfying
// gateway.AuthenticationProvider (e.g. backed by a JWT verifier, which
// this module intentionally does not implement).
type staticAPIKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]*principal.Principal
}

// NewStaticAPIKeyProvider builds a provider from a fixed key->Principal
// map, for smoke-testing and as the default when no external provider is
// configured.
func NewStaticAPIKeyProvider(keys map[string]*principal.Principal) gateway.AuthenticationProvider {
	return &staticAPIKeyProvider{keys: keys}
}

func (p *staticAPIKeyProvider) Authenticate(ctx context.Context, creds gateway.Credentials) (*principal.Principal, error) {
	if creds.Kind != gateway.CredentialAPIKey && creds.Kind != gateway.CredentialBearer {
		return nil, middleware.ErrCredentialsInvalid
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.keys[creds.Token]
	if !ok {
		return nil, middleware.ErrCredentialsInvalid
	}
	return pr, nil
}

// allowAllPolicy is the reference AuthorizationPolicy: every
// authenticated principal may perform any action on any resource. A
// real deployment supplies a role/attribute-based policy satisfying
// gateway.AuthorizationPolicy.
type allowAllPolicy struct{}

// NewAllowAllPolicy builds the trivial AuthorizationPolicy used when no
// finer-grained policy is configured.
func NewAllowAllPolicy() gateway.AuthorizationPolicy {
	return allowAllPolicy{}
}

func (allowAllPolicy) Authorize(ctx context.Context, p *principal.Principal, action gateway.Action, resource gateway.Resource) (bool, error) {
	if p == nil {
		return false, errors.New("authorization: no principal")
	}
	return true, nil
}
