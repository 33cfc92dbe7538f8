// Package actorsystem implements the ActorSystem & Invocation Dispatch
// subsystem (spec §4.1): identity assignment, the local/remote dispatch
// split, the pending-call table, and the boundary the application-level
// actor runtime hooks its method tables into. Grounded on the teacher's
// Hub/Cell split (internal/domain/registry/hub.go, cell.go): per the
// design notes of spec §9, "distributed actor" capability here is an
// interface exposing {id, methodTable} rather than a language-integrated
// type, generalizing the teacher's fixed Connector/Cell pairing into a
// pluggable method table supplied by application code.
package actorsystem

import (
	"context"

	"github.com/actormesh/core/pkg/actorid"
)

// MethodFunc is one entry of an actor's method table: decode args,
// perform the call, encode the result (spec §9's "(targetIdentifier) →
// (argsBytes, resultSink) → work" closures).
type MethodFunc func(ctx context.Context, args [][]byte) ([]byte, error)

// MethodTable maps a target identifier (method selector) to its handler.
type MethodTable map[string]MethodFunc

// StreamPayload is one value produced by a streaming method, or a
// terminal error ending the stream.
type StreamPayload struct {
	Data []byte
	Err  error
}

// StreamFunc opens a server-push stream (spec §4.2): it returns a
// channel the caller drains until closed or an error payload arrives.
type StreamFunc func(ctx context.Context, args [][]byte) (<-chan StreamPayload, error)

// StreamMethodTable maps a stream-opener target identifier (prefixed,
// default "observe") to its handler.
type StreamMethodTable map[string]StreamFunc

// Actor is the boundary the application-layer actor runtime implements
// to participate in local and remote dispatch (spec §9 design notes).
type Actor interface {
	ActorId() actorid.ActorId
	Methods() MethodTable
	StreamMethods() StreamMethodTable
}

// BaseActor is an embeddable convenience implementation covering the
// common case of a fixed id and two static method tables assembled at
// construction time.
type BaseActor struct {
	Id      actorid.ActorId
	Unary   MethodTable
	Streams StreamMethodTable
}

func (b *BaseActor) ActorId() actorid.ActorId { return b.Id }

func (b *BaseActor) Methods() MethodTable {
	if b.Unary == nil {
		return MethodTable{}
	}
	return b.Unary
}

func (b *BaseActor) StreamMethods() StreamMethodTable {
	if b.Streams == nil {
		return StreamMethodTable{}
	}
	return b.Streams
}
