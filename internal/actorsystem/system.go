package actorsystem

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actormesh/core/internal/streamregistry"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/merrors"
	"github.com/actormesh/core/pkg/metrics"
	"github.com/actormesh/core/pkg/transport"
)

const defaultStreamOpenerPrefix = "observe"

// streamOpenWaiter is the pending-call analog for a remoteCallStream:
// registered under the invocation's call id until a matching
// StreamStart arrives (or the caller gives up).
type streamOpenWaiter struct {
	method  string
	actor   string
	codec   streamregistry.DeltaCodec
	resultC chan streamOpenResult
}

type streamOpenResult struct {
	streamId   uuid.UUID
	deliveries <-chan streamregistry.Delivery
	err        error
}

// System is the ActorSystem façade of spec §4.1.
type System struct {
	mu    sync.RWMutex
	local map[string]Actor

	pending       *pendingTable
	streamOpens   map[string]*streamOpenWaiter
	clientStreams *streamregistry.ClientTable
	streamPeers   map[uuid.UUID]transport.Endpoint

	transport          transport.Transport
	streamOpenerPrefix string
	metrics            *metrics.Collector
	log                *slog.Logger
}

// Option configures a System at construction time.
type Option func(*System)

func WithStreamOpenerPrefix(prefix string) Option {
	return func(s *System) { s.streamOpenerPrefix = prefix }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *System) { s.metrics = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *System) { s.log = l }
}

// New builds a System bound to tr for remote dispatch. tr may be nil for
// a system that only ever serves local actors (e.g. unit tests).
// gapTimeout bounds how long a client-side stream waits for a sequence
// gap to fill before escalating to a resume (spec §4.2); zero selects
// the streamregistry default.
func New(tr transport.Transport, gapTimeout time.Duration, opts ...Option) *System {
	s := &System{
		local:              make(map[string]Actor),
		pending:            newPendingTable(),
		streamOpens:        make(map[string]*streamOpenWaiter),
		streamPeers:        make(map[uuid.UUID]transport.Endpoint),
		transport:          tr,
		streamOpenerPrefix: defaultStreamOpenerPrefix,
		log:                slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clientStreams = streamregistry.NewClientTable(gapTimeout)
	return s
}

// IsStreamOpener reports whether target carries the configured
// stream-opener prefix (default "observe", spec §4.1/GLOSSARY).
func (s *System) IsStreamOpener(target string) bool {
	return strings.HasPrefix(target, s.streamOpenerPrefix)
}

// AssignId generates a fresh local actor id (spec §4.1 assignId).
func (s *System) AssignId(actorType string) actorid.ActorId {
	return actorid.New(actorType)
}

// RegisterLocal installs a locally hosted actor, keyed by its id's local
// serialization form.
func (s *System) RegisterLocal(a Actor) {
	s.mu.Lock()
	s.local[a.ActorId().String()] = a
	s.mu.Unlock()
}

// UnregisterLocal removes a locally hosted actor.
func (s *System) UnregisterLocal(id actorid.ActorId) {
	s.mu.Lock()
	delete(s.local, id.String())
	s.mu.Unlock()
}

// LookupLocal returns the actor locally registered under id, if any.
func (s *System) LookupLocal(id actorid.ActorId) (Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.local[id.String()]
	return a, ok
}

// LocalActorCount returns the number of actors currently hosted locally,
// for the /healthz and actors.active gauge consumers.
func (s *System) LocalActorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local)
}

// Resolve returns a local or remote-proxy handle for id (spec §4.1
// resolve). Fails with actor-not-found only when id is neither locally
// registered nor carries a remote endpoint to dispatch through.
func (s *System) Resolve(id actorid.ActorId) (Handle, error) {
	if a, ok := s.LookupLocal(id); ok {
		return &localHandle{system: s, actor: a}, nil
	}
	if id.IsRemote() {
		return &remoteHandle{system: s, id: id}, nil
	}
	return nil, merrors.ActorNotFound(id.String())
}

// remoteCall performs the encode/register/send/suspend/decode cycle of
// spec §4.1. It unregisters the pending sink on every termination path.
func (s *System) remoteCall(ctx context.Context, id actorid.ActorId, target string, args [][]byte) ([]byte, error) {
	if s.transport == nil {
		return nil, merrors.SystemNotRunning()
	}

	callId := uuid.NewString()
	inv := &envelope.InvocationEnvelope{
		CallId:      callId,
		Target:      id.String(),
		TargetIdent: target,
		Args:        args,
	}

	ch := s.pending.register(callId)

	data, err := envelope.NewInvocation(inv).Encode()
	if err != nil {
		s.pending.remove(callId)
		return nil, merrors.SerializationFailed(err)
	}

	ep := transport.Endpoint{Host: id.Host, Port: id.Port}
	if err := s.transport.Send(ctx, data, ep); err != nil {
		s.pending.remove(callId)
		return nil, merrors.ConnectionFailed(id.Host, id.Port, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		s.pending.remove(callId)
		return nil, ctx.Err()
	}
}

// CompletePendingCall matches an inbound response by call id (spec
// §4.1). Dropped silently if the call id is unknown.
func (s *System) CompletePendingCall(resp *envelope.ResponseEnvelope) {
	if resp.Success {
		s.pending.complete(resp.CallId, pendingResult{payload: resp.Result})
		return
	}
	s.pending.complete(resp.CallId, pendingResult{err: merrors.RemoteInvocationFailed(resp.Error)})
}

// PendingCount reports the number of in-flight remote calls, used by
// tests and the connections/invocations metrics.
func (s *System) PendingCount() int { return s.pending.count() }

// FailAllPending completes every pending sink with connection-closed,
// called when the client dispatch loop observes session loss (spec §3).
func (s *System) FailAllPending() {
	s.pending.failAll()
}

// remoteCallStream opens a stream per spec §4.1's remoteCallStream: it
// sends the opening invocation, awaits the matching StreamStart, then
// returns the stream id and a lazy sequence of deliveries.
func (s *System) remoteCallStream(ctx context.Context, id actorid.ActorId, target string, args [][]byte, codec streamregistry.DeltaCodec) (uuid.UUID, <-chan streamregistry.Delivery, error) {
	if s.transport == nil {
		return uuid.UUID{}, nil, merrors.SystemNotRunning()
	}

	callId := uuid.NewString()
	waiter := &streamOpenWaiter{
		method:  target,
		actor:   id.String(),
		codec:   codec,
		resultC: make(chan streamOpenResult, 1),
	}

	s.mu.Lock()
	s.streamOpens[callId] = waiter
	s.mu.Unlock()

	inv := &envelope.InvocationEnvelope{
		CallId:      callId,
		Target:      id.String(),
		TargetIdent: target,
		Args:        args,
	}

	data, err := envelope.NewInvocation(inv).Encode()
	if err != nil {
		s.dropStreamOpen(callId)
		return uuid.UUID{}, nil, merrors.SerializationFailed(err)
	}

	ep := transport.Endpoint{Host: id.Host, Port: id.Port}
	if err := s.transport.Send(ctx, data, ep); err != nil {
		s.dropStreamOpen(callId)
		return uuid.UUID{}, nil, merrors.ConnectionFailed(id.Host, id.Port, err)
	}

	select {
	case res := <-waiter.resultC:
		if res.err != nil {
			return uuid.UUID{}, nil, res.err
		}
		s.mu.Lock()
		s.streamPeers[res.streamId] = ep
		s.mu.Unlock()
		return res.streamId, res.deliveries, nil
	case <-ctx.Done():
		s.dropStreamOpen(callId)
		return uuid.UUID{}, nil, ctx.Err()
	}
}

func (s *System) dropStreamOpen(callId string) {
	s.mu.Lock()
	delete(s.streamOpens, callId)
	s.mu.Unlock()
}

// HandleStreamStart completes the matching remoteCallStream waiter and
// opens the client-side stream table entry, synchronously, so that the
// single-consumer dispatch loop this is called from has registered the
// stream before it processes any subsequent StreamData for it.
func (s *System) HandleStreamStart(env *envelope.StreamStartEnvelope) {
	s.mu.Lock()
	waiter, ok := s.streamOpens[env.CallId]
	if ok {
		delete(s.streamOpens, env.CallId)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("actorsystem: streamStart for unknown call id, dropping", "callId", env.CallId)
		return
	}

	streamId, err := uuid.Parse(env.StreamId)
	if err != nil {
		waiter.resultC <- streamOpenResult{err: fmt.Errorf("actorsystem: malformed stream id %q: %w", env.StreamId, err)}
		return
	}

	deliveries := s.clientStreams.Open(streamId, env.CallId, waiter.method, waiter.actor, waiter.codec, s.onGapEscalate)
	waiter.resultC <- streamOpenResult{streamId: streamId, deliveries: deliveries}
}

// HandleStreamData forwards an inbound StreamData envelope to the
// client-side stream table.
func (s *System) HandleStreamData(env *envelope.StreamDataEnvelope) {
	s.clientStreams.HandleData(env)
}

// HandleStreamEnd forwards an inbound StreamEnd envelope.
func (s *System) HandleStreamEnd(env *envelope.StreamEndEnvelope) {
	s.forgetStreamPeer(env.StreamId)
	s.clientStreams.HandleEnd(env)
}

// HandleStreamError forwards an inbound StreamError envelope.
func (s *System) HandleStreamError(env *envelope.StreamErrorEnvelope) {
	s.forgetStreamPeer(env.StreamId)
	s.clientStreams.HandleError(env)
}

func (s *System) forgetStreamPeer(streamIdStr string) {
	id, err := uuid.Parse(streamIdStr)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.streamPeers, id)
	s.mu.Unlock()
}

// CloseAllStreams synthesizes a connectionClosed terminal delivery for
// every active client-side stream, called on transport session loss.
func (s *System) CloseAllStreams() {
	s.clientStreams.CloseAll(envelope.ReasonConnectionClosed)
}

// ActiveStreamCheckpoints returns the resume checkpoints for every
// active client-side stream, used by the client component to emit a
// streamResume per stream after reconnecting (spec §4.5).
func (s *System) ActiveStreamCheckpoints() []StreamCheckpoint {
	ids := s.clientStreams.ActiveStreamIds()
	out := make([]StreamCheckpoint, 0, len(ids))
	for _, id := range ids {
		lastSeq, callId, method, actor, ok := s.clientStreams.Checkpoint(id)
		if !ok {
			continue
		}
		out = append(out, StreamCheckpoint{
			StreamId:     id,
			LastSequence: lastSeq,
			CallId:       callId,
			Method:       method,
			ActorId:      actor,
		})
	}
	return out
}

// StreamCheckpoint is the externally visible resume record for one
// active client-side stream (spec §4.5).
type StreamCheckpoint struct {
	StreamId     uuid.UUID
	LastSequence uint64
	CallId       string
	Method       string
	ActorId      string
}

// onGapEscalate is invoked by the client stream table when a sequence
// gap has not filled within the configured timeout (spec §4.2). It
// emits a streamResume to the peer the stream was opened against.
func (s *System) onGapEscalate(streamId uuid.UUID) {
	lastSeq, _, _, _, ok := s.clientStreams.Checkpoint(streamId)
	if !ok {
		return
	}

	s.mu.RLock()
	ep, ok := s.streamPeers[streamId]
	s.mu.RUnlock()
	if !ok {
		return
	}

	data, err := envelope.NewStreamResume(streamId.String(), lastSeq).Encode()
	if err != nil {
		s.log.Warn("actorsystem: failed to encode gap-escalation resume", "error", err)
		return
	}
	if err := s.transport.Send(context.Background(), data, ep); err != nil {
		s.log.Warn("actorsystem: failed to send gap-escalation resume", "error", err)
	}
}

// ExecuteTarget dispatches a decoded invocation to a local actor's
// method table (spec §4.1 executeTarget), returning the response
// envelope to write back over the session's respond side-channel.
func (s *System) ExecuteTarget(ctx context.Context, actor Actor, inv *envelope.InvocationEnvelope) *envelope.ResponseEnvelope {
	fn, ok := actor.Methods()[inv.TargetIdent]
	if !ok {
		return &envelope.ResponseEnvelope{
			CallId:  inv.CallId,
			Success: false,
			Error:   fmt.Sprintf("remote invocation failed: no such method %q", inv.TargetIdent),
		}
	}

	result, err := fn(ctx, inv.Args)
	if err != nil {
		return &envelope.ResponseEnvelope{CallId: inv.CallId, Success: false, Error: err.Error()}
	}
	return &envelope.ResponseEnvelope{CallId: inv.CallId, Success: true, Result: result}
}

// ExecuteStreamingTarget dispatches a stream-opening invocation to a
// local actor's stream method table (spec §4.1 executeStreamingTarget),
// bridging its StreamPayload channel into the streamregistry.Production
// shape the server-side stream table consumes.
func (s *System) ExecuteStreamingTarget(ctx context.Context, actor Actor, inv *envelope.InvocationEnvelope) (<-chan streamregistry.Production, error) {
	fn, ok := actor.StreamMethods()[inv.TargetIdent]
	if !ok {
		return nil, merrors.RemoteInvocationFailed(fmt.Sprintf("no such stream method %q", inv.TargetIdent))
	}

	src, err := fn(ctx, inv.Args)
	if err != nil {
		return nil, err
	}

	out := make(chan streamregistry.Production)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- streamregistry.Production{Payload: p.Data, Err: p.Err}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
