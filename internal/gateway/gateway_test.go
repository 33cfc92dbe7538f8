package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/server"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/transport"
)

type respondCollector struct {
	mu   sync.Mutex
	envs []*envelope.TransportEnvelope
}

func (c *respondCollector) respond(data []byte) error {
	env, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *respondCollector) wait(t *testing.T, n int) []*envelope.TransportEnvelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.envs)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) < n {
		t.Fatalf("expected %d responses, got %d", n, len(c.envs))
	}
	out := make([]*envelope.TransportEnvelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func newUnaryActor(id actorid.ActorId) actorsystem.Actor {
	return &actorsystem.BaseActor{
		Id: id,
		Unary: actorsystem.MethodTable{
			"greet": func(ctx context.Context, args [][]byte) ([]byte, error) {
				return []byte(`"hi"`), nil
			},
		},
	}
}

func invocationFrame(t *testing.T, callId, target, method string) []byte {
	t.Helper()
	data, err := envelope.NewInvocation(&envelope.InvocationEnvelope{
		CallId:      callId,
		Target:      target,
		TargetIdent: method,
	}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestChainRunsOutermostFirst(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
				order = append(order, name)
				return next(ctx, inv, actor, mctx)
			}
		}
	}

	chain := NewChain(mw("a"), mw("b"), mw("c"))
	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
		order = append(order, "final")
		return nil
	}

	if err := chain.Then(final)(context.Background(), nil, nil, NewContext(nil)); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c", "final"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChainShortCircuitsOnError(t *testing.T) {
	var ranB, ranFinal bool
	failing := func(next Handler) Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
			return errors.New("boom")
		}
	}
	b := func(next Handler) Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
			ranB = true
			return next(ctx, inv, actor, mctx)
		}
	}

	chain := NewChain(failing, b)
	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
		ranFinal = true
		return nil
	}

	err := chain.Then(final)(context.Background(), nil, nil, NewContext(nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if ranB || ranFinal {
		t.Fatal("expected downstream stages skipped after short-circuit")
	}
}

func TestCategoryErrorFormatsMessage(t *testing.T) {
	err := NewCategoryError(CategoryAuthentication, errors.New("missing token"))
	if err.Error() != "Authentication failed: missing token" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, err.Unwrap()) {
		t.Fatal("expected Unwrap to return the underlying error")
	}
}

func TestPrincipalExpired(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	p := &Principal{Id: "u1", ExpiresAt: &past}
	if !p.IsExpired() {
		t.Fatal("expected expired")
	}

	future := time.Now().Add(time.Minute)
	p2 := &Principal{Id: "u1", ExpiresAt: &future}
	if p2.IsExpired() {
		t.Fatal("expected not expired")
	}
}

func TestGatewayHandlePassesInvocationThroughChain(t *testing.T) {
	sys := actorsystem.New(nil, 0)
	id := sys.AssignId("room")
	sys.RegisterLocal(newUnaryActor(id))
	srv := server.New(sys, 0)

	var sawPrincipal *Principal
	stamp := func(next Handler) Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
			mctx.Principal = &Principal{Id: "u1"}
			sawPrincipal = mctx.Principal
			return next(ctx, inv, actor, mctx)
		}
	}

	gw := New(srv, []Middleware{stamp})
	rec := &respondCollector{}

	data := invocationFrame(t, "call-1", id.String(), "greet")
	gw.Handle(context.Background(), transport.Message{Bytes: data, Respond: rec.respond})

	got := rec.wait(t, 1)
	if !got[0].Response.Success {
		t.Fatalf("expected success, got %+v", got[0].Response)
	}
	if sawPrincipal == nil || sawPrincipal.Id != "u1" {
		t.Fatal("expected middleware to run before dispatch")
	}
}

func TestGatewayHandleRejectionNeverReachesActor(t *testing.T) {
	sys := actorsystem.New(nil, 0)
	id := sys.AssignId("room")

	var dispatched bool
	actor := &actorsystem.BaseActor{
		Id: id,
		Unary: actorsystem.MethodTable{
			"greet": func(ctx context.Context, args [][]byte) ([]byte, error) {
				dispatched = true
				return []byte(`"hi"`), nil
			},
		},
	}
	sys.RegisterLocal(actor)
	srv := server.New(sys, 0)

	deny := func(next Handler) Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
			return NewCategoryError(CategoryAuthentication, errors.New("missing token"))
		}
	}

	gw := New(srv, []Middleware{deny})
	rec := &respondCollector{}

	data := invocationFrame(t, "call-1", id.String(), "greet")
	gw.Handle(context.Background(), transport.Message{Bytes: data, Respond: rec.respond})

	got := rec.wait(t, 1)
	if got[0].Response.Success {
		t.Fatal("expected failure response")
	}
	if got[0].Response.Error != "Authentication failed: missing token" {
		t.Fatalf("unexpected error message: %s", got[0].Response.Error)
	}
	if dispatched {
		t.Fatal("expected actor method never invoked after rejection")
	}
}

func TestGatewayHandleUnknownActorFailsBeforeChain(t *testing.T) {
	sys := actorsystem.New(nil, 0)
	srv := server.New(sys, 0)

	var ranMiddleware bool
	mw := func(next Handler) Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
			ranMiddleware = true
			return next(ctx, inv, actor, mctx)
		}
	}

	gw := New(srv, []Middleware{mw})
	rec := &respondCollector{}

	data := invocationFrame(t, "call-1", "ghost", "greet")
	gw.Handle(context.Background(), transport.Message{Bytes: data, Respond: rec.respond})

	got := rec.wait(t, 1)
	if got[0].Response.Success {
		t.Fatal("expected failure response for unknown actor")
	}
	if ranMiddleware {
		t.Fatal("expected chain skipped when target resolution fails")
	}
}

func TestGatewayHandleNonInvocationForwardsToServer(t *testing.T) {
	sys := actorsystem.New(nil, 0)
	srv := server.New(sys, 0)
	gw := New(srv, nil)
	rec := &respondCollector{}

	data, _ := envelope.NewStreamResume("00000000-0000-0000-0000-000000000001", 0).Encode()
	gw.Handle(context.Background(), transport.Message{Bytes: data, Respond: rec.respond})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.envs) != 0 {
		t.Fatalf("expected no response for unknown stream resume, got %d", len(rec.envs))
	}
}

func TestGatewayHandleMetadataSeederFeedsContext(t *testing.T) {
	sys := actorsystem.New(nil, 0)
	id := sys.AssignId("room")
	sys.RegisterLocal(newUnaryActor(id))
	srv := server.New(sys, 0)

	var seen map[string]string
	capture := func(next Handler) Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *Context) error {
			seen = mctx.Metadata
			return next(ctx, inv, actor, mctx)
		}
	}

	gw := New(srv, []Middleware{capture}, WithMetadataSeeder(func(msg transport.Message) map[string]string {
		return map[string]string{"authorization": "Bearer t"}
	}))
	rec := &respondCollector{}

	data := invocationFrame(t, "call-1", id.String(), "greet")
	gw.Handle(context.Background(), transport.Message{Bytes: data, Respond: rec.respond})
	rec.wait(t, 1)

	if seen["authorization"] != "Bearer t" {
		t.Fatalf("expected seeded metadata, got %+v", seen)
	}
}
