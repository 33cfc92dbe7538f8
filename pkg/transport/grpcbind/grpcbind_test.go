package grpcbind

import (
	"io"
	"sync"
	"testing"

	"github.com/actormesh/core/pkg/transport"
)

// fakeFrameStream is an in-process FrameStream used to exercise
// ServeFrameStream without a real network listener.
type fakeFrameStream struct {
	mu  sync.Mutex
	in  []*Frame
	out []*Frame
	pos int
}

func (f *fakeFrameStream) Recv() (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.in) {
		return nil, io.EOF
	}
	frame := f.in[f.pos]
	f.pos++
	return frame, nil
}

func (f *fakeFrameStream) Send(fr *Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, fr)
	return nil
}

func TestServeFrameStreamPumpsIncoming(t *testing.T) {
	b := &Binding{incoming: make(chan transport.Message, 4)}

	stream := &fakeFrameStream{in: []*Frame{
		{Data: []byte("one")},
		{Data: []byte("two")},
	}}

	done := make(chan error, 1)
	go func() {
		done <- b.ServeFrameStream(stream, transport.Endpoint{Host: "peer", Port: 9})
	}()

	msg1 := <-b.incoming
	msg2 := <-b.incoming

	if string(msg1.Bytes) != "one" || string(msg2.Bytes) != "two" {
		t.Fatalf("unexpected payloads: %q %q", msg1.Bytes, msg2.Bytes)
	}
	if msg1.Source == nil || msg1.Source.Host != "peer" {
		t.Fatalf("unexpected source: %+v", msg1.Source)
	}

	if err := msg1.Respond([]byte("ack")); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(stream.out) != 1 || string(stream.out[0].Data) != "ack" {
		t.Fatalf("respond did not reach stream: %+v", stream.out)
	}

	if err := <-done; err != nil {
		t.Fatalf("ServeFrameStream returned error: %v", err)
	}
}

func TestClientSessionRequiresRegisteredOpener(t *testing.T) {
	prev := defaultOpener
	defaultOpener = nil
	defer func() { defaultOpener = prev }()

	sess := &clientSession{}
	if err := sess.Send(nil, []byte("x")); err == nil {
		t.Fatal("expected error with no registered opener")
	}
}
