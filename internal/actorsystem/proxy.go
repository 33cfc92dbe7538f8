package actorsystem

import (
	"context"

	"github.com/google/uuid"

	"github.com/actormesh/core/internal/streamregistry"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/merrors"
)

// Handle is what Resolve returns: a uniform call surface over a local or
// remote actor (spec §9's tagged-variant dispatch, chosen by endpoint
// inspection rather than a language-level sum type).
type Handle interface {
	Id() actorid.ActorId
	Call(ctx context.Context, target string, args [][]byte) ([]byte, error)
	CallStream(ctx context.Context, target string, args [][]byte, codec streamregistry.DeltaCodec) (uuid.UUID, <-chan streamregistry.Delivery, error)
}

// localHandle dispatches directly into a locally registered actor's
// method tables, bypassing the transport and pending-call table
// entirely.
type localHandle struct {
	system *System
	actor  Actor
}

func (h *localHandle) Id() actorid.ActorId { return h.actor.ActorId() }

func (h *localHandle) Call(ctx context.Context, target string, args [][]byte) ([]byte, error) {
	fn, ok := h.actor.Methods()[target]
	if !ok {
		return nil, merrors.RemoteInvocationFailed("no such method " + target)
	}
	return fn(ctx, args)
}

func (h *localHandle) CallStream(ctx context.Context, target string, args [][]byte, codec streamregistry.DeltaCodec) (uuid.UUID, <-chan streamregistry.Delivery, error) {
	fn, ok := h.actor.StreamMethods()[target]
	if !ok {
		return uuid.UUID{}, nil, merrors.RemoteInvocationFailed("no such stream method " + target)
	}

	src, err := fn(ctx, args)
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	streamId := uuid.New()
	out := make(chan streamregistry.Delivery, 16)
	go func() {
		defer close(out)
		for p := range src {
			if p.Err != nil {
				out <- streamregistry.Delivery{Done: true, Err: p.Err}
				return
			}
			out <- streamregistry.Delivery{Payload: p.Data}
		}
		out <- streamregistry.Delivery{Done: true}
	}()
	return streamId, out, nil
}

// remoteHandle dispatches through the owning System's transport binding
// and pending-call/stream tables.
type remoteHandle struct {
	system *System
	id     actorid.ActorId
}

func (h *remoteHandle) Id() actorid.ActorId { return h.id }

func (h *remoteHandle) Call(ctx context.Context, target string, args [][]byte) ([]byte, error) {
	return h.system.remoteCall(ctx, h.id, target, args)
}

func (h *remoteHandle) CallStream(ctx context.Context, target string, args [][]byte, codec streamregistry.DeltaCodec) (uuid.UUID, <-chan streamregistry.Delivery, error) {
	return h.system.remoteCallStream(ctx, h.id, target, args, codec)
}
