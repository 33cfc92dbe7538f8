package streamregistry

// DeltaCodec is the optional transform of spec §4.2: a payload type that
// opts into delta encoding exposes Delta(previous, current) and Apply.
// The first payload in a stream is always sent in full; later payloads
// are sent as a delta between the last full/delta-reconstructed payload
// and the current one when Delta returns ok, and suppressed entirely
// when it returns false. This is orthogonal to sequencing: every
// emission, full or delta, still consumes exactly one sequence number.
//
// Round-trip correctness (current == previous.Apply(previous.Delta(previous, current)))
// is the codec implementation's contract, enforced by tests on concrete
// types, not by this package (spec §9 open question).
type DeltaCodec interface {
	Delta(previous, current []byte) (delta []byte, ok bool)
	Apply(delta []byte) (next []byte, err error)
}

// deltaEncoder tracks the last full payload emitted on one stream and
// decides, per produced value, whether to emit it whole or as a delta.
type deltaEncoder struct {
	codec DeltaCodec
	last  []byte
	first bool
}

func newDeltaEncoder(codec DeltaCodec) *deltaEncoder {
	return &deltaEncoder{codec: codec, first: true}
}

// encode returns (payload, emit, isFull). emit is false when the delta
// transform suppressed this value (Delta returned ok=false on a
// non-first payload).
func (e *deltaEncoder) encode(full []byte) ([]byte, bool, bool) {
	if e.first {
		e.first = false
		e.last = full
		return full, true, true
	}
	delta, ok := e.codec.Delta(e.last, full)
	e.last = full
	if !ok {
		return nil, false, false
	}
	return delta, true, false
}

// deltaDecoder reconstructs full state on the consumer side: a full
// payload is passed through, and a delta is handed to codec.Apply on
// its own. The last full or reconstructed payload is recorded in last
// but is not passed to Apply, so a codec reconstructs only from state
// it keeps itself.
type deltaDecoder struct {
	codec DeltaCodec
	last  []byte
}

func newDeltaDecoder(codec DeltaCodec) *deltaDecoder {
	return &deltaDecoder{codec: codec}
}

func (d *deltaDecoder) decode(payload []byte, isFull bool) ([]byte, error) {
	if isFull || d.last == nil {
		d.last = payload
		return payload, nil
	}
	next, err := d.codec.Apply(payload)
	if err != nil {
		return nil, err
	}
	d.last = next
	return next, nil
}
