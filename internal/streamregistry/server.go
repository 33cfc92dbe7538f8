// Package streamregistry implements the multiplexer protocol of spec
// §4.2: sequenced, resumable, filtered streams layered over invocation
// envelopes. The server half (this file) owns a bounded replay ring per
// active stream and a producer pump that assigns sequence numbers; the
// client half (client.go) owns gap detection, dedup, and resume
// escalation. Grounded on the teacher's Cell (internal/domain/registry/cell.go):
// the per-stream producer pump below is the teacher's mailbox-plus-loop
// shape, generalized from "fan one user's events out to N sessions" into
// "assign sequence numbers to one actor method's output and retain a
// bounded replay window".
package streamregistry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
)

// ErrStreamGone is returned by Resume when the stream id is unknown or its
// replay buffer has evicted past the requested checkpoint (spec §4.2's
// overflow-fallback rule). The caller re-invokes the opening method fresh.
var ErrStreamGone = errors.New("streamregistry: stream unknown or replay buffer overflowed")

// SendFunc delivers one envelope over the session a stream is currently
// bound to (the "respond side-channel" of spec §4.3).
type SendFunc func(env *envelope.TransportEnvelope) error

// Production is one value yielded by the underlying method's lazy byte
// sequence (spec §4.1's executeStreamingTarget), or a terminal error.
type Production struct {
	Payload []byte
	Err     error
}

type ringEntry struct {
	seq     uint64
	payload []byte
}

// serverStream is the per-stream replay state, analogous to one teacher
// Cell but keyed by streamId instead of userId and fed by a single
// producer goroutine instead of an external broadcast.
type serverStream struct {
	mu       sync.Mutex
	id       uuid.UUID
	actorId  actorid.ActorId
	capacity int

	// inv, filter and filterParams are the exact arguments Open was
	// called with, retained for the lifetime of the stream (and briefly
	// after, via ServerTable.retired) so a later resume that lands past
	// the replay window can re-dispatch this same invocation from
	// scratch instead of merely failing (spec §4.2 replay-overflow
	// fallback).
	inv          *envelope.InvocationEnvelope
	filter       Filter
	filterParams map[string]string

	buf     []ringEntry
	start   int
	count   int
	nextSeq uint64

	send       SendFunc
	cancel     context.CancelFunc
	termReason envelope.TerminationReason
}

func newServerStream(id uuid.UUID, actorId actorid.ActorId, inv *envelope.InvocationEnvelope, filter Filter, filterParams map[string]string, capacity int, send SendFunc, cancel context.CancelFunc) *serverStream {
	return &serverStream{
		id:           id,
		actorId:      actorId,
		inv:          inv,
		filter:       filter,
		filterParams: filterParams,
		capacity:     capacity,
		buf:          make([]ringEntry, 0, capacity),
		nextSeq:      1,
		send:         send,
		cancel:       cancel,
		termReason:   envelope.ReasonClientUnsubscribed,
	}
}

// fallback snapshots the invocation metadata needed to re-dispatch this
// stream fresh.
func (s *serverStream) fallback() ResumeFallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ResumeFallback{ActorId: s.actorId, Invocation: s.inv, Filter: s.filter, FilterParams: s.filterParams}
}

// cancelWithReason records why the producer is being stopped and then
// cancels its context; the pump reads termReason once ctx.Done fires.
func (s *serverStream) cancelWithReason(reason envelope.TerminationReason) {
	s.mu.Lock()
	s.termReason = reason
	s.mu.Unlock()
	s.cancel()
}

func (s *serverStream) reason() envelope.TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termReason
}

// push assigns the next sequence number to payload, retains it in the
// ring (evicting the oldest entry past capacity), and forwards it over
// the currently bound send channel.
func (s *serverStream) push(payload []byte) error {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++

	if len(s.buf) < s.capacity {
		s.buf = append(s.buf, ringEntry{seq: seq, payload: payload})
		s.count++
	} else {
		idx := (s.start + s.count) % s.capacity
		s.buf[idx] = ringEntry{seq: seq, payload: payload}
		s.start = (s.start + 1) % s.capacity
	}
	send := s.send
	s.mu.Unlock()

	return send(envelope.NewStreamData(s.id.String(), seq, payload, time.Now()))
}

// oldestAvailable returns the lowest sequence still retained, or nextSeq
// (the next one to be produced) if the ring is currently empty.
func (s *serverStream) oldestAvailable() uint64 {
	if s.count == 0 {
		return s.nextSeq
	}
	return s.buf[s.start%s.capacity].seq
}

// resume rebinds send to a new session and returns the buffered entries
// with sequence > lastSeq, in order. Returns ErrStreamGone if the
// requested checkpoint has already been evicted.
func (s *serverStream) resume(send SendFunc, lastSeq uint64) ([]ringEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastSeq+1 < s.oldestAvailable() {
		return nil, ErrStreamGone
	}

	s.send = send

	out := make([]ringEntry, 0, s.count)
	for i := 0; i < s.count; i++ {
		e := s.buf[(s.start+i)%s.capacity]
		if e.seq > lastSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// retiredCapacityDefault bounds the number of completed/superseded
// streams whose opening invocation is kept around for a possible
// resume-overflow fallback (spec §4.2).
const retiredCapacityDefault = 10_000

// retiredTTLDefault bounds how long that metadata survives before
// eviction, independent of the capacity bound.
const retiredTTLDefault = 10 * time.Minute

// ResumeFallback is the opening invocation of a stream that a resume
// could not replay into, returned by Fallback so the caller
// (internal/server) can re-dispatch it as a fresh invocation (spec
// §4.2's replay-overflow fallback, scenario 4).
type ResumeFallback struct {
	ActorId      actorid.ActorId
	Invocation   *envelope.InvocationEnvelope
	Filter       Filter
	FilterParams map[string]string
}

// ServerTable is the server-side half of the stream registry (spec §4.2,
// §3 "Stream table (server side)").
type ServerTable struct {
	mu       sync.Mutex
	streams  map[uuid.UUID]*serverStream
	capacity int
	retired  *expirable.LRU[uuid.UUID, ResumeFallback]
}

// NewServerTable builds a table whose streams retain up to capacity
// entries each; a non-positive capacity selects the default of 100
// (spec §3).
func NewServerTable(capacity int) *ServerTable {
	if capacity <= 0 {
		capacity = 100
	}
	return &ServerTable{
		streams:  make(map[uuid.UUID]*serverStream),
		capacity: capacity,
		retired:  expirable.NewLRU[uuid.UUID, ResumeFallback](retiredCapacityDefault, nil, retiredTTLDefault),
	}
}

// Open registers a new stream, emits StreamStart, and launches the
// producer pump that drains src, applying an optional filter and an
// optional delta codec, until src closes (→ StreamEnd(completed)),
// yields a terminal error (→ StreamError), or ctx is cancelled by the
// caller (→ StreamEnd with the reason recorded by Unsubscribe,
// UnsubscribeActor or an overflowed Resume).
// inv is retained for the stream's lifetime (and briefly after) so a
// later resume past the replay window can re-dispatch it fresh.
func (t *ServerTable) Open(ctx context.Context, inv *envelope.InvocationEnvelope, actorId actorid.ActorId, send SendFunc, src <-chan Production, filter Filter, filterParams map[string]string, codec DeltaCodec) uuid.UUID {
	id := uuid.New()
	ctx, cancel := context.WithCancel(ctx)

	stream := newServerStream(id, actorId, inv, filter, filterParams, t.capacity, send, cancel)

	t.mu.Lock()
	t.streams[id] = stream
	t.mu.Unlock()

	_ = send(envelope.NewStreamStart(id.String(), inv.CallId, actorId.String(), inv.TargetIdent))

	var enc *deltaEncoder
	if codec != nil {
		enc = newDeltaEncoder(codec)
	}

	go t.pump(ctx, id, stream, src, filter, filterParams, enc)

	return id
}

// Fallback returns the invocation that opened id, if this node still
// knows it — either a live stream whose replay window the requested
// checkpoint has already passed, or one retired after completion,
// eviction, or cancellation. ok is false only when id was never opened
// on this node or has aged out of the retired cache, in which case no
// fresh-invocation fallback is possible.
func (t *ServerTable) Fallback(id uuid.UUID) (ResumeFallback, bool) {
	t.mu.Lock()
	stream, live := t.streams[id]
	t.mu.Unlock()
	if live {
		return stream.fallback(), true
	}
	return t.retired.Get(id)
}

func (t *ServerTable) pump(ctx context.Context, id uuid.UUID, stream *serverStream, src <-chan Production, filter Filter, filterParams map[string]string, enc *deltaEncoder) {
	reason := envelope.ReasonCompleted
	errMsg := ""

loop:
	for {
		select {
		case <-ctx.Done():
			reason = stream.reason()
			break loop
		case prod, ok := <-src:
			if !ok {
				break loop
			}
			if prod.Err != nil {
				reason = envelope.ReasonError
				errMsg = prod.Err.Error()
				break loop
			}

			payload := prod.Payload
			if filter != nil {
				out, err := filter(payload, filterParams)
				if err != nil {
					reason = envelope.ReasonError
					errMsg = err.Error()
					break loop
				}
				payload = out
			}

			if enc != nil {
				encoded, emit, isFull := enc.encode(payload)
				if !emit {
					continue
				}
				payload = framePayload(isFull, encoded)
			}

			if err := stream.push(payload); err != nil {
				reason = envelope.ReasonConnectionClosed
				break loop
			}
		}
	}

	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
	t.retired.Add(id, stream.fallback())

	stream.mu.Lock()
	send := stream.send
	stream.mu.Unlock()

	if reason == envelope.ReasonError {
		_ = send(envelope.NewStreamError(id.String(), errMsg))
		return
	}
	_ = send(envelope.NewStreamEnd(id.String(), reason))
}

// framePayload prefixes a stream payload with a one-byte marker
// distinguishing a full state (0) from a delta (1), so the client half
// can tell them apart without the core envelope carrying a dedicated
// field for it. Only used when a DeltaCodec is configured for the
// stream; plain streams carry their payload unmodified.
func framePayload(isFull bool, payload []byte) []byte {
	marker := byte(1)
	if isFull {
		marker = 0
	}
	out := make([]byte, len(payload)+1)
	out[0] = marker
	copy(out[1:], payload)
	return out
}

// Resume rebinds an existing stream to a new send channel and replays
// buffered entries past lastSeq (spec §4.2). Returns ErrStreamGone when
// the stream id is unknown or the checkpoint has already been evicted;
// on eviction the stale stream is cancelled and its invocation retired
// so a subsequent Fallback(id) call can re-dispatch it fresh — the
// caller (internal/server) is responsible for that re-dispatch.
func (t *ServerTable) Resume(id uuid.UUID, lastSeq uint64, send SendFunc) error {
	t.mu.Lock()
	stream, ok := t.streams[id]
	t.mu.Unlock()
	if !ok {
		return ErrStreamGone
	}

	entries, err := stream.resume(send, lastSeq)
	if err != nil {
		t.retired.Add(id, stream.fallback())
		stream.cancelWithReason(envelope.ReasonClientUnsubscribed)
		return err
	}
	for _, e := range entries {
		if err := send(envelope.NewStreamData(id.String(), e.seq, e.payload, time.Now())); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe cancels the stream's producer, which causes the pump to
// exit with reason clientUnsubscribed (spec §5 cancellation semantics).
func (t *ServerTable) Unsubscribe(id uuid.UUID) {
	t.mu.Lock()
	stream, ok := t.streams[id]
	t.mu.Unlock()
	if ok {
		stream.cancelWithReason(envelope.ReasonClientUnsubscribed)
	}
}

// UnsubscribeActor cancels every stream currently hosted by actorId
// (spec §4.2's actorTerminated reason, fired when an actor is unexposed
// or destroyed).
func (t *ServerTable) UnsubscribeActor(id actorid.ActorId) {
	t.mu.Lock()
	var toCancel []*serverStream
	for _, s := range t.streams {
		if s.actorId.Equal(id) {
			toCancel = append(toCancel, s)
		}
	}
	t.mu.Unlock()

	for _, s := range toCancel {
		s.cancelWithReason(envelope.ReasonActorTerminated)
	}
}

// Active reports the number of currently open server-side streams.
func (t *ServerTable) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
