// Package server implements server-side inbound dispatch (spec §4.4):
// decode the outermost envelope tag, route to the right handler, respond
// on the side-channel the message arrived on.
package server

import (
	"sync"

	"github.com/actormesh/core/pkg/actorid"
)

// ExposedActorRegistry maps a human-readable exposed name to the
// ActorId currently serving it (spec §4.4's "translate the ActorId's
// string id through the exposed registry if it matches a registered
// name"). Grounded on the teacher's Hub.cells (internal/domain/registry/hub.go):
// same sync.Map-backed, idempotent-registration shape, generalized from
// "userId -> Celler" to "exposed name -> ActorId".
type ExposedActorRegistry struct {
	byName sync.Map // string -> actorid.ActorId
}

// NewExposedActorRegistry builds an empty registry.
func NewExposedActorRegistry() *ExposedActorRegistry {
	return &ExposedActorRegistry{}
}

// Expose registers name as resolving to id, overwriting any prior
// binding (re-exposing under the same name is idempotent by design).
func (r *ExposedActorRegistry) Expose(name string, id actorid.ActorId) {
	r.byName.Store(name, id)
}

// Unexpose removes name from the registry.
func (r *ExposedActorRegistry) Unexpose(name string) {
	r.byName.Delete(name)
}

// Resolve translates name through the registry. ok is false when name
// carries no binding, in which case the caller treats the string as a
// literal ActorId wire form instead.
func (r *ExposedActorRegistry) Resolve(name string) (actorid.ActorId, bool) {
	v, ok := r.byName.Load(name)
	if !ok {
		return actorid.ActorId{}, false
	}
	return v.(actorid.ActorId), true
}

// Names returns every currently exposed name, for diagnostics.
func (r *ExposedActorRegistry) Names() []string {
	var out []string
	r.byName.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}
