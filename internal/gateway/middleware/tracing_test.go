package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
)

func TestTracingSynthesizesTraceContext(t *testing.T) {
	var exported SpanRecord
	mw := Tracing(WithExporter(func(ctx context.Context, record SpanRecord) error {
		exported = record
		return nil
	}))

	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
		return nil
	}
	inv := &envelope.InvocationEnvelope{CallId: "c1", Target: "room-1", TargetIdent: "greet"}
	actor := &actorsystem.BaseActor{Id: actorid.ActorId{Id: "room-1"}}

	if err := mw(final)(context.Background(), inv, actor, gateway.NewContext(nil)); err != nil {
		t.Fatal(err)
	}
	if inv.Trace == nil || inv.Trace.TraceId == "" {
		t.Fatal("expected trace context synthesized")
	}
	if exported.Name != "room-1.greet" {
		t.Fatalf("unexpected span name: %s", exported.Name)
	}
	if !exported.Success {
		t.Fatal("expected exported record to report success")
	}
}

func TestTracingPreservesExistingTraceContext(t *testing.T) {
	mw := Tracing()
	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
		return nil
	}
	inv := &envelope.InvocationEnvelope{
		CallId: "c1", Target: "room-1", TargetIdent: "greet",
		Trace: &envelope.TraceContext{TraceId: "t1", SpanId: "s1"},
	}
	actor := &actorsystem.BaseActor{Id: actorid.ActorId{Id: "room-1"}}

	if err := mw(final)(context.Background(), inv, actor, gateway.NewContext(nil)); err != nil {
		t.Fatal(err)
	}
	if inv.Trace.TraceId != "t1" {
		t.Fatal("expected existing trace context preserved")
	}
}

func TestTracingPropagatesErrorAndExportsFailure(t *testing.T) {
	wantErr := errors.New("boom")
	var exported SpanRecord
	mw := Tracing(WithExporter(func(ctx context.Context, record SpanRecord) error {
		exported = record
		return nil
	}))

	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
		return wantErr
	}
	inv := &envelope.InvocationEnvelope{CallId: "c1", Target: "room-1", TargetIdent: "greet"}
	actor := &actorsystem.BaseActor{Id: actorid.ActorId{Id: "room-1"}}

	err := mw(final)(context.Background(), inv, actor, gateway.NewContext(nil))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error propagated, got %v", err)
	}
	if exported.Success {
		t.Fatal("expected exported record to report failure")
	}
}

func TestTracingExportFailureDoesNotFailRequest(t *testing.T) {
	mw := Tracing(WithExporter(func(ctx context.Context, record SpanRecord) error {
		return errors.New("sink unavailable")
	}))

	final := func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
		return nil
	}
	inv := &envelope.InvocationEnvelope{CallId: "c1", Target: "room-1", TargetIdent: "greet"}
	actor := &actorsystem.BaseActor{Id: actorid.ActorId{Id: "room-1"}}

	if err := mw(final)(context.Background(), inv, actor, gateway.NewContext(nil)); err != nil {
		t.Fatalf("expected export failure to not fail request, got %v", err)
	}
}
