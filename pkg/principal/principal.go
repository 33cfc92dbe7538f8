// Package principal defines the authenticated identity used by the
// gateway's authorization middleware (spec §3, §8).
package principal

import "time"

// Type is the closed set of principal types.
type Type string

const (
	TypeUser    Type = "user"
	TypeService Type = "service"
	TypeSystem  Type = "system"
)

// Principal is an authenticated identity.
type Principal struct {
	Id         string
	Type       Type
	Roles      map[string]struct{}
	Attributes map[string]string
	AuthAt     time.Time
	ExpiresAt  *time.Time // optional
}

// New builds a Principal from a role slice, normalizing it into a set.
func New(id string, typ Type, roles []string) *Principal {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return &Principal{
		Id:         id,
		Type:       typ,
		Roles:      set,
		Attributes: map[string]string{},
		AuthAt:      nowOrZero(),
	}
}

func nowOrZero() time.Time { return time.Now() }

// IsExpired reports whether ExpiresAt is set and in the past (spec §8).
func (p *Principal) IsExpired() bool {
	return p.IsExpiredAt(time.Now())
}

// IsExpiredAt is the testable variant of IsExpired parameterized on "now".
func (p *Principal) IsExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// HasAnyRole reports roles ∩ S ≠ ∅ (spec §8).
func (p *Principal) HasAnyRole(s ...string) bool {
	for _, r := range s {
		if _, ok := p.Roles[r]; ok {
			return true
		}
	}
	return false
}

// HasAllRoles reports S ⊆ roles (spec §8).
func (p *Principal) HasAllRoles(s ...string) bool {
	for _, r := range s {
		if _, ok := p.Roles[r]; !ok {
			return false
		}
	}
	return true
}
