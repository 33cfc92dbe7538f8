package streamregistry

import "testing"

// counterDelta encodes a one-byte counter as the arithmetic difference
// between the previous and current value; used by the encoder-side
// tests below, which only need Delta to be called with the right
// shape, not a working Apply.
type counterDelta struct{}

func (counterDelta) Delta(previous, current []byte) ([]byte, bool) {
	if len(previous) == 0 || len(current) == 0 {
		return nil, false
	}
	return []byte{current[0] - previous[0]}, true
}

func (counterDelta) Apply(delta []byte) ([]byte, error) {
	return delta, nil
}

// diffCodec is a real round-trip-capable DeltaCodec: Delta computes the
// byte-wise difference between previous and current, and Apply
// reconstructs the current value by adding that difference to its own
// running base (the decoder side of a delta codec only ever sees the
// delta, so it must track the last reconstructed value itself, exactly
// as deltaDecoder tracks d.last).
type diffCodec struct {
	base byte
}

func newDiffCodec(base byte) *diffCodec {
	return &diffCodec{base: base}
}

func (diffCodec) Delta(previous, current []byte) ([]byte, bool) {
	if len(previous) == 0 || len(current) == 0 {
		return nil, false
	}
	return []byte{current[0] - previous[0]}, true
}

func (d *diffCodec) Apply(delta []byte) ([]byte, error) {
	d.base += delta[0]
	return []byte{d.base}, nil
}

func TestDeltaEncoderFirstPayloadIsFull(t *testing.T) {
	enc := newDeltaEncoder(counterDelta{})
	payload, emit, isFull := enc.encode([]byte{5})
	if !emit || !isFull || payload[0] != 5 {
		t.Fatalf("unexpected first encode: payload=%v emit=%v isFull=%v", payload, emit, isFull)
	}
}

func TestDeltaEncoderSubsequentIsDelta(t *testing.T) {
	enc := newDeltaEncoder(counterDelta{})
	enc.encode([]byte{5})
	payload, emit, isFull := enc.encode([]byte{6})
	if !emit || isFull || payload[0] != 1 {
		t.Fatalf("unexpected second encode: payload=%v emit=%v isFull=%v", payload, emit, isFull)
	}
}

func TestDeltaCodecRoundTrip(t *testing.T) {
	cases := []struct{ prev, cur byte }{
		{5, 6},
		{10, 3},
		{0, 255},
		{200, 200},
		{1, 250},
	}
	for _, tc := range cases {
		codec := newDiffCodec(tc.prev)
		delta, ok := codec.Delta([]byte{tc.prev}, []byte{tc.cur})
		if !ok {
			t.Fatalf("expected delta ok for prev=%d cur=%d", tc.prev, tc.cur)
		}
		next, err := codec.Apply(delta)
		if err != nil {
			t.Fatalf("apply failed for prev=%d cur=%d: %v", tc.prev, tc.cur, err)
		}
		if next[0] != tc.cur {
			t.Fatalf("round trip mismatch: prev=%d cur=%d got=%d", tc.prev, tc.cur, next[0])
		}
	}
}

func TestFramePayloadRoundTrip(t *testing.T) {
	framed := framePayload(true, []byte("hello"))
	if framed[0] != 0 || string(framed[1:]) != "hello" {
		t.Fatalf("unexpected frame: %v", framed)
	}

	framed = framePayload(false, []byte("delta"))
	if framed[0] != 1 || string(framed[1:]) != "delta" {
		t.Fatalf("unexpected frame: %v", framed)
	}
}

func TestFilterRegistryLookup(t *testing.T) {
	r := NewFilterRegistry()
	r.Register("evens", func(payload []byte, params map[string]string) ([]byte, error) {
		return payload, nil
	})

	if _, ok := r.Lookup("odds"); ok {
		t.Fatal("expected unregistered filter to miss")
	}
	f, ok := r.Lookup("evens")
	if !ok {
		t.Fatal("expected registered filter to be found")
	}
	out, err := f([]byte("x"), nil)
	if err != nil || string(out) != "x" {
		t.Fatalf("unexpected filter result: %v %v", out, err)
	}
}
