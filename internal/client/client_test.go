package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/streamregistry"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/transport"
)

// fakeConnector is a Connector test double: Send/Connect results are
// scripted, Connected reflects whatever connectedFlag currently holds,
// and Incoming is a plain channel the test feeds directly.
type fakeConnector struct {
	mu          sync.Mutex
	connectErr  error
	sendErr     error
	sent        [][]byte
	connected   atomic.Bool
	incoming    chan transport.Message
	connectCall int32
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{incoming: make(chan transport.Message, 16)}
}

func (f *fakeConnector) Send(ctx context.Context, data []byte, ep transport.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConnector) lastInvocation(t *testing.T) *envelope.InvocationEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	env, err := envelope.Decode(f.sent[len(f.sent)-1])
	if err != nil {
		t.Fatalf("decode sent: %v", err)
	}
	if env.Kind != envelope.KindInvocation {
		t.Fatalf("expected invocation, got %v", env.Kind)
	}
	return env.Invocation
}

func (f *fakeConnector) Listen(ctx context.Context, ep transport.Endpoint) error { return nil }
func (f *fakeConnector) Shutdown(ctx context.Context) error                     { return nil }
func (f *fakeConnector) Incoming() <-chan transport.Message                     { return f.incoming }

func (f *fakeConnector) Connect(ctx context.Context, ep transport.Endpoint) error {
	atomic.AddInt32(&f.connectCall, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr == nil {
		f.connected.Store(true)
	}
	return f.connectErr
}

func (f *fakeConnector) Connected(ep transport.Endpoint) bool {
	return f.connected.Load()
}

func (f *fakeConnector) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func TestClientConnectSuccess(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State().Kind != Connected {
		t.Fatalf("expected connected, got %v", c.State())
	}
	c.Close()
}

func TestClientConnectFailureTransitionsToFailed(t *testing.T) {
	tr := newFakeConnector()
	tr.setConnectErr(errors.New("dial refused"))
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys)

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if c.State().Kind != Failed {
		t.Fatalf("expected failed, got %v", c.State())
	}
}

func TestClientConnectInvalidFromConnectedState(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys)
	_ = c.Connect(context.Background())
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error reconnecting from connected state")
	}
}

func TestClientDispatchRoutesResponseToSystem(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	remoteId := actorid.ActorId{Id: "room-1", Host: "h", Port: 1}
	handle, err := sys.Resolve(remoteId)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	resultC := make(chan []byte, 1)
	errC := make(chan error, 1)
	go func() {
		res, err := handle.Call(context.Background(), "greet", nil)
		resultC <- res
		errC <- err
	}()

	waitForSent(t, tr, 1)
	inv := tr.lastInvocation(t)

	env := envelope.TransportEnvelope{Kind: envelope.KindResponse, Response: &envelope.ResponseEnvelope{
		CallId: inv.CallId, Success: true, Result: []byte("ok"),
	}}
	data, _ := env.Encode()
	tr.incoming <- transport.Message{Bytes: data}

	select {
	case res := <-resultC:
		if err := <-errC; err != nil {
			t.Fatalf("unexpected call error: %v", err)
		}
		if string(res) != "ok" {
			t.Fatalf("unexpected payload: %s", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched response")
	}
}

func waitForSent(t *testing.T, tr *fakeConnector, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		got := len(tr.sent)
		tr.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for send")
}

func TestClientSessionLossFailsPendingAndReconnects(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys,
		WithWatchInterval(10*time.Millisecond),
		WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffMultiplier: 2}),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	// Simulate session loss: the watchdog's next poll observes disconnected.
	tr.connected.Store(false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State().Kind == Connected && atomic.LoadInt32(&tr.connectCall) > 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reconnect to succeed, final state=%v", c.State())
}

func TestClientReconnectExhaustionTransitionsToFailed(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys,
		WithWatchInterval(10*time.Millisecond),
		WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2}),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	tr.connected.Store(false)
	tr.setConnectErr(errors.New("still down"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State().Kind == Failed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected failed after exhausting attempts, final state=%v", c.State())
}

func TestClientReconnectDisabledGoesStraightToFailed(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys,
		WithWatchInterval(10*time.Millisecond),
		WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 0}),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	tr.connected.Store(false)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State().Kind == Failed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected immediate failed with reconnection disabled, final state=%v", c.State())
}

// TestClientSessionLossResumesActiveStreamAfterReconnect exercises
// spec §4.5's stream resumption on reconnect end to end: a stream still
// open when the session drops must survive the reconnect attempt and
// come back with a streamResume carrying its last delivered sequence,
// not be torn down before resumeActiveStreams ever gets a chance to run.
func TestClientSessionLossResumesActiveStreamAfterReconnect(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys,
		WithWatchInterval(10*time.Millisecond),
		WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffMultiplier: 2}),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	remoteId := actorid.ActorId{Id: "room-1", Host: "h", Port: 1}
	handle, err := sys.Resolve(remoteId)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	type openResult struct {
		streamId uuid.UUID
		deliver  <-chan streamregistry.Delivery
		err      error
	}
	openC := make(chan openResult, 1)
	go func() {
		id, deliveries, err := handle.CallStream(context.Background(), "observe", nil, nil)
		openC <- openResult{streamId: id, deliver: deliveries, err: err}
	}()

	waitForSent(t, tr, 1)
	inv := tr.lastInvocation(t)

	streamId := uuid.New()
	startEnv := envelope.NewStreamStart(streamId.String(), inv.CallId, remoteId.String(), "observe")
	startData, _ := startEnv.Encode()
	tr.incoming <- transport.Message{Bytes: startData}

	var opened openResult
	select {
	case opened = <-openC:
		if opened.err != nil {
			t.Fatalf("CallStream: %v", opened.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream open")
	}

	dataEnv := envelope.NewStreamData(streamId.String(), 1, []byte("first"), time.Now())
	dataBytes, _ := dataEnv.Encode()
	tr.incoming <- transport.Message{Bytes: dataBytes}

	select {
	case d := <-opened.deliver:
		if d.Done || string(d.Payload) != "first" {
			t.Fatalf("unexpected first delivery: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	// Session drops: the stream must not be torn down here.
	tr.connected.Store(false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State().Kind == Connected && atomic.LoadInt32(&tr.connectCall) > 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.State().Kind != Connected {
		t.Fatalf("expected reconnect to succeed, final state=%v", c.State())
	}

	var resume *envelope.StreamResumeEnvelope
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		for _, raw := range tr.sent {
			env, err := envelope.Decode(raw)
			if err == nil && env.Kind == envelope.KindStreamResume && env.StreamResume.StreamId == streamId.String() {
				resume = env.StreamResume
			}
		}
		tr.mu.Unlock()
		if resume != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if resume == nil {
		t.Fatal("expected a streamResume to be sent for the still-open stream after reconnect")
	}
	if resume.LastSequence != 1 {
		t.Fatalf("expected resume to carry lastSequence=1, got %d", resume.LastSequence)
	}

	// The consumer channel must still be the same live one: no
	// premature connectionClosed delivery should have been synthesized
	// across the reconnect.
	select {
	case d := <-opened.deliver:
		t.Fatalf("did not expect a delivery on the resumed stream yet, got %+v", d)
	default:
	}
}

func TestClientClosePreventsFurtherTransitions(t *testing.T) {
	tr := newFakeConnector()
	sys := actorsystem.New(tr, 0)
	c := New(tr, transport.Endpoint{Host: "h", Port: 1}, sys)
	_ = c.Connect(context.Background())
	c.Close()

	if c.State().Kind != Disconnected {
		t.Fatalf("expected disconnected after Close, got %v", c.State())
	}
}
