package middleware

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/gateway"
	"github.com/actormesh/core/pkg/envelope"
)

// SpanRecord is the summary handed to an Exporter after a span
// completes, for the spec §4.6 "exports to an injected sink" path that
// sits alongside (not instead of) the real otel SDK export pipeline.
type SpanRecord struct {
	Name    string
	TraceId string
	SpanId  string
	CallId  string
	Success bool
	Err     error
}

// Exporter receives every completed SpanRecord. Export failures are
// logged but never fail the triggering invocation (spec §4.6, §7).
type Exporter func(ctx context.Context, record SpanRecord) error

type tracingConfig struct {
	tracer   trace.Tracer
	exporter Exporter
	log      *slog.Logger
}

// TracingOption configures the tracing middleware.
type TracingOption func(*tracingConfig)

// WithTracer overrides the otel.Tracer used to open spans; defaults to
// otel.Tracer("github.com/actormesh/core/gateway").
func WithTracer(t trace.Tracer) TracingOption {
	return func(c *tracingConfig) { c.tracer = t }
}

// WithExporter installs a sink notified of every completed span.
func WithExporter(fn Exporter) TracingOption {
	return func(c *tracingConfig) { c.exporter = fn }
}

// WithTracingLogger overrides the default slog logger used to report
// export failures.
func WithTracingLogger(l *slog.Logger) TracingOption {
	return func(c *tracingConfig) { c.log = l }
}

// Tracing builds the spec §4.6 tracing middleware: ensures
// inv.Trace exists (synthesizing one if absent), opens a span named
// "{actor.id}.{target}" via the otel SDK, attaches status on
// return/error, and forwards a summary to an optional injected
// Exporter whose failures are logged, never propagated.
func Tracing(opts ...TracingOption) gateway.Middleware {
	cfg := tracingConfig{
		tracer: otel.Tracer("github.com/actormesh/core/gateway"),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next gateway.Handler) gateway.Handler {
		return func(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, mctx *gateway.Context) error {
			if inv.Trace == nil {
				inv.Trace = &envelope.TraceContext{TraceId: uuid.NewString(), SpanId: uuid.NewString()}
			}

			spanName := actor.ActorId().String() + "." + inv.TargetIdent
			spanCtx, span := cfg.tracer.Start(ctx, spanName, trace.WithAttributes(
				attribute.String("actormesh.trace_id", inv.Trace.TraceId),
				attribute.String("actormesh.call_id", inv.CallId),
			))

			err := next(spanCtx, inv, actor, mctx)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()

			if cfg.exporter != nil {
				record := SpanRecord{
					Name:    spanName,
					TraceId: inv.Trace.TraceId,
					SpanId:  inv.Trace.SpanId,
					CallId:  inv.CallId,
					Success: err == nil,
					Err:     err,
				}
				if exportErr := cfg.exporter(ctx, record); exportErr != nil {
					cfg.log.Warn("gateway: span export failed", "callId", inv.CallId, "error", exportErr)
				}
			}

			return err
		}
	}
}
