// Package serviceregistry defines the ServiceRegistry external interface
// (spec §6) plus an in-memory reference implementation and a
// hashicorp/consul/api-backed one.
package serviceregistry

import (
	"time"

	"github.com/actormesh/core/pkg/actorid"
)

// Endpoint is a transport peer address.
type Endpoint struct {
	Host string
	Port int
}

// Registration is a registered actor's metadata.
type Registration struct {
	ActorId  actorid.ActorId
	Endpoint Endpoint
	Metadata map[string]string
	TTL      time.Duration // zero means no TTL
}

// Registry is the ServiceRegistry external interface (spec §6).
type Registry interface {
	Register(reg Registration) error
	Deregister(id actorid.ActorId) error
	Resolve(id actorid.ActorId) (Endpoint, bool, error)
	ResolveAll(id actorid.ActorId) ([]Endpoint, error)
	List(prefix string) ([]Registration, error)
	Heartbeat(id actorid.ActorId) error
}
