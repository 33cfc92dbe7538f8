package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeSession struct {
	ep     Endpoint
	sent   [][]byte
	closed bool
	mu     sync.Mutex
}

func (f *fakeSession) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPoolLazyCreatesOneSessionPerEndpoint(t *testing.T) {
	var dials int64
	dial := func(ctx context.Context, ep Endpoint) (Session, error) {
		atomic.AddInt64(&dials, 1)
		return &fakeSession{ep: ep}, nil
	}
	p := NewPool(dial)

	ep := Endpoint{Host: "h", Port: 1}
	for i := 0; i < 10; i++ {
		if err := p.Send(context.Background(), []byte("x"), ep); err != nil {
			t.Fatal(err)
		}
	}

	if got := atomic.LoadInt64(&dials); got != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", got)
	}
	if p.Active() != 1 {
		t.Fatalf("Active() = %d", p.Active())
	}
}

func TestPoolRemoveClosesSession(t *testing.T) {
	var sess *fakeSession
	dial := func(ctx context.Context, ep Endpoint) (Session, error) {
		sess = &fakeSession{ep: ep}
		return sess, nil
	}
	p := NewPool(dial)
	ep := Endpoint{Host: "h", Port: 1}

	_ = p.Send(context.Background(), []byte("x"), ep)
	p.Remove(ep)

	if !sess.closed {
		t.Fatal("expected session closed")
	}
	if p.Active() != 0 {
		t.Fatalf("Active() = %d after remove", p.Active())
	}
}

func TestPoolConnectEstablishesSessionWithoutSending(t *testing.T) {
	var sess *fakeSession
	dial := func(ctx context.Context, ep Endpoint) (Session, error) {
		sess = &fakeSession{ep: ep}
		return sess, nil
	}
	p := NewPool(dial)
	ep := Endpoint{Host: "h", Port: 1}

	if p.HasSession(ep) {
		t.Fatal("expected no session before Connect")
	}
	if err := p.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !p.HasSession(ep) {
		t.Fatal("expected session after Connect")
	}
	if len(sess.sent) != 0 {
		t.Fatalf("expected Connect to send no data, got %d frames", len(sess.sent))
	}
}

func TestPoolHasSessionFalseAfterEviction(t *testing.T) {
	dial := func(ctx context.Context, ep Endpoint) (Session, error) {
		return &fakeSession{ep: ep}, nil
	}
	p := NewPool(dial)
	ep := Endpoint{Host: "h", Port: 1}

	_ = p.Connect(context.Background(), ep)
	p.Remove(ep)

	if p.HasSession(ep) {
		t.Fatal("expected HasSession false after Remove")
	}
}

func TestPoolDialFailureSurfacesConnectionFailed(t *testing.T) {
	dial := func(ctx context.Context, ep Endpoint) (Session, error) {
		return nil, errors.New("refused")
	}
	p := NewPool(dial)

	err := p.Send(context.Background(), []byte("x"), Endpoint{Host: "h", Port: 1})
	if err == nil {
		t.Fatal("expected error")
	}
}
