package envelope

import (
	"testing"
	"time"
)

func TestEncodeDecodeInvocation(t *testing.T) {
	inv := &InvocationEnvelope{
		CallId:      "call-1",
		Target:      "room-1",
		TargetIdent: "greet",
		Args:        [][]byte{[]byte(`"alice"`)},
	}
	e := NewInvocation(inv)
	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindInvocation {
		t.Fatalf("kind = %q", got.Kind)
	}
	if got.Invocation.CallId != "call-1" || got.Invocation.TargetIdent != "greet" {
		t.Fatalf("round trip mismatch: %+v", got.Invocation)
	}
	if len(got.Invocation.Args) != 1 {
		t.Fatalf("expected 1 arg blob preserved, got %d", len(got.Invocation.Args))
	}
}

func TestDecodeMissingBody(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"invocation"}`))
	if err == nil {
		t.Fatal("expected error for missing invocation body")
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestStreamDataRoundTrip(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Millisecond)
	e := NewStreamData("s1", 3, []byte{1, 2, 3}, ts)
	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamData.SequenceNumber != 3 {
		t.Fatalf("seq = %d", got.StreamData.SequenceNumber)
	}
	if !got.StreamData.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: %v vs %v", got.StreamData.Timestamp, ts)
	}
}

func TestCallIdOf(t *testing.T) {
	e := NewResponseSuccess("call-7", nil)
	id, ok := e.CallIdOf()
	if !ok || id != "call-7" {
		t.Fatalf("CallIdOf = %q, %v", id, ok)
	}

	e2 := NewStreamEnd("s1", ReasonCompleted)
	if _, ok := e2.CallIdOf(); ok {
		t.Fatal("streamEnd has no call id")
	}
}
