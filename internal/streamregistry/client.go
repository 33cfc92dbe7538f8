package streamregistry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actormesh/core/pkg/envelope"
)

// Delivery is one value handed to a stream consumer: either a payload, a
// terminal reason (Done), or a terminal error.
type Delivery struct {
	Payload []byte
	Done    bool
	Reason  envelope.TerminationReason
	Err     error
}

// clientStream tracks gap detection, dedup, and checkpointing for one
// client-observed stream (spec §3 "Stream table (client side)", §4.2
// gap handling).
type clientStream struct {
	mu sync.Mutex

	ch     chan Delivery
	callId string
	method string
	actor  string

	expected      uint64 // next sequence expected, starts at 1
	pending       map[uint64][]byte
	decoder       *deltaDecoder
	closed        bool

	gapTimer     *time.Timer
	gapTimeout   time.Duration
	onGapTimeout func(streamId uuid.UUID)
	id           uuid.UUID
}

func (s *clientStream) deliver(payload []byte) {
	if s.decoder != nil {
		marker := byte(0)
		body := payload
		if len(payload) > 0 {
			marker = payload[0]
			body = payload[1:]
		}
		decoded, err := s.decoder.decode(body, marker == 0)
		if err != nil {
			s.finish(Delivery{Err: err})
			return
		}
		payload = decoded
	}
	s.ch <- Delivery{Payload: payload}
}

func (s *clientStream) finish(d Delivery) {
	if s.closed {
		return
	}
	s.closed = true
	d.Done = true
	s.ch <- d
	close(s.ch)
	if s.gapTimer != nil {
		s.gapTimer.Stop()
	}
}

// ClientTable is the client-side half of the stream registry.
type ClientTable struct {
	mu         sync.Mutex
	streams    map[uuid.UUID]*clientStream
	gapTimeout time.Duration
}

// NewClientTable builds a table whose gap-fill escalation fires after
// gapTimeout of inactivity on a pending out-of-order sequence (spec
// §4.2 "escalates to a resume if a configurable inactivity timeout
// elapses").
func NewClientTable(gapTimeout time.Duration) *ClientTable {
	if gapTimeout <= 0 {
		gapTimeout = 10 * time.Second
	}
	return &ClientTable{
		streams:    make(map[uuid.UUID]*clientStream),
		gapTimeout: gapTimeout,
	}
}

// Open registers a new client-side stream and returns the channel its
// consumer reads Deliveries from. onGapTimeout is invoked (from a timer
// goroutine) when a sequence gap has not filled within the configured
// timeout; the caller is expected to issue a streamResume in response.
func (t *ClientTable) Open(id uuid.UUID, callId, method, actor string, codec DeltaCodec, onGapTimeout func(streamId uuid.UUID)) <-chan Delivery {
	var dec *deltaDecoder
	if codec != nil {
		dec = newDeltaDecoder(codec)
	}

	s := &clientStream{
		id:           id,
		ch:           make(chan Delivery, 16),
		callId:       callId,
		method:       method,
		actor:        actor,
		expected:     1,
		pending:      make(map[uint64][]byte),
		decoder:      dec,
		gapTimeout:   t.gapTimeout,
		onGapTimeout: onGapTimeout,
	}

	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()

	return s.ch
}

// HandleData applies the dedup/ordering contract of spec §4.2: duplicate
// or already-passed sequences are dropped, in-order sequences are
// delivered immediately (draining any contiguous buffered successors),
// and out-of-order sequences are buffered pending either the gap filling
// or the inactivity timeout escalating to resume.
func (t *ClientTable) HandleData(env *envelope.StreamDataEnvelope) {
	id, err := uuid.Parse(env.StreamId)
	if err != nil {
		return
	}

	t.mu.Lock()
	s, ok := t.streams[id]
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || env.SequenceNumber < s.expected {
		return
	}

	if env.SequenceNumber > s.expected {
		s.pending[env.SequenceNumber] = env.Payload
		t.armGapTimer(s)
		return
	}

	s.expected++
	s.deliver(env.Payload)

	for !s.closed {
		payload, ok := s.pending[s.expected]
		if !ok {
			break
		}
		delete(s.pending, s.expected)
		s.expected++
		s.deliver(payload)
	}

	if len(s.pending) == 0 && s.gapTimer != nil {
		s.gapTimer.Stop()
		s.gapTimer = nil
	}
}

func (t *ClientTable) armGapTimer(s *clientStream) {
	if s.gapTimer != nil {
		return
	}
	id := s.id
	onTimeout := s.onGapTimeout
	s.gapTimer = time.AfterFunc(s.gapTimeout, func() {
		if onTimeout != nil {
			onTimeout(id)
		}
	})
}

// HandleEnd delivers the terminal StreamEnd to the consumer and retires
// the stream.
func (t *ClientTable) HandleEnd(env *envelope.StreamEndEnvelope) {
	id, err := uuid.Parse(env.StreamId)
	if err != nil {
		return
	}
	t.retire(id, Delivery{Reason: env.Reason})
}

// HandleError delivers the terminal StreamError to the consumer and
// retires the stream.
func (t *ClientTable) HandleError(env *envelope.StreamErrorEnvelope) {
	id, err := uuid.Parse(env.StreamId)
	if err != nil {
		return
	}
	t.retire(id, Delivery{Reason: envelope.ReasonError, Err: errors.New(env.Message)})
}

func (t *ClientTable) retire(id uuid.UUID, d Delivery) {
	t.mu.Lock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.finish(d)
	s.mu.Unlock()
}

// Checkpoint returns the resume checkpoint for an active stream: its
// last contiguously delivered sequence plus the identifying fields a
// streamResume (or a fresh re-invocation) needs.
func (t *ClientTable) Checkpoint(id uuid.UUID) (lastSeq uint64, callId, method, actor string, ok bool) {
	t.mu.Lock()
	s, found := t.streams[id]
	t.mu.Unlock()
	if !found {
		return 0, "", "", "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected - 1, s.callId, s.method, s.actor, true
}

// ActiveStreamIds returns every stream id with an open consumer, used by
// the client dispatch loop to emit a streamResume per active checkpoint
// after reconnecting (spec §4.5).
func (t *ClientTable) ActiveStreamIds() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll synthesizes a terminal delivery with reason for every
// currently open stream (spec §4.2: "client synthesizes a
// connectionClosed end" when the transport session closes). Callers
// must not invoke this the instant a session drops: spec §4.5's
// resumption-on-reconnect needs the stream table (and its checkpoints)
// intact across a reconnect attempt, so CloseAll is for the paths
// where reconnection has been abandoned for good, not every drop.
func (t *ClientTable) CloseAll(reason envelope.TerminationReason) {
	t.mu.Lock()
	streams := make([]*clientStream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.streams = make(map[uuid.UUID]*clientStream)
	t.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.finish(Delivery{Reason: reason})
		s.mu.Unlock()
	}
}
