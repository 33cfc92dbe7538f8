package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/streamregistry"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/envelope"
	"github.com/actormesh/core/pkg/merrors"
	"github.com/actormesh/core/pkg/metrics"
	"github.com/actormesh/core/pkg/transport"
)

// OnActorRequest is invoked the first time an unknown id arrives (spec
// §4.4's "dynamic exposure"). Returning an actor installs it under id
// before dispatch proceeds; returning ok=false leaves the invocation to
// fail with actorNotFound.
type OnActorRequest func(id actorid.ActorId) (actorsystem.Actor, bool)

// Server owns inbound dispatch for one listening endpoint (spec §4.4).
// It holds no session state of its own: every inbound transport.Message
// already carries its own Respond side-channel, so a Server can be
// shared across every connection a Transport accepts.
type Server struct {
	system   *actorsystem.System
	streams  *streamregistry.ServerTable
	registry *ExposedActorRegistry
	filters  *streamregistry.FilterRegistry
	onReq    OnActorRequest
	metrics  *metrics.Collector
	log      *slog.Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithOnActorRequest installs the dynamic-exposure callback.
func WithOnActorRequest(fn OnActorRequest) Option {
	return func(s *Server) { s.onReq = fn }
}

// WithMetrics attaches a metrics collector; invocation counters and
// latency histograms are recorded around every synchronous dispatch.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithFilterRegistry installs the named stream filters available to
// clients via InvocationEnvelope.Filter (spec §4.2). Without this
// option, streams never match a filter name and forward payloads
// unfiltered.
func WithFilterRegistry(r *streamregistry.FilterRegistry) Option {
	return func(s *Server) { s.filters = r }
}

// New builds a Server bound to sys for local dispatch and streams for
// server-side stream bookkeeping. streamCapacity is the per-stream
// replay buffer size (0 selects the streamregistry default of 100).
func New(sys *actorsystem.System, streamCapacity int, opts ...Option) *Server {
	s := &Server{
		system:   sys,
		streams:  streamregistry.NewServerTable(streamCapacity),
		registry: NewExposedActorRegistry(),
		filters:  streamregistry.NewFilterRegistry(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the server's ExposedActorRegistry for callers that
// need to pre-populate it (e.g. the gateway exposing a well-known
// actor name at startup).
func (s *Server) Registry() *ExposedActorRegistry { return s.registry }

// Handle dispatches one inbound transport message (spec §4.4). It is
// the single entry point a Transport's Incoming consumer calls per
// message.
func (s *Server) Handle(ctx context.Context, msg transport.Message) {
	env, err := envelope.Decode(msg.Bytes)
	if err != nil {
		s.log.Warn("server: decode failed, dropping", "error", err)
		return
	}

	switch env.Kind {
	case envelope.KindInvocation:
		s.handleInvocation(ctx, env.Invocation, msg.Respond)
	case envelope.KindStreamResume:
		s.handleStreamResume(ctx, env.StreamResume, msg.Respond)
	default:
		s.log.Warn("server: envelope kind invalid on server side, dropping", "kind", env.Kind)
	}
}

// RespondFailure writes a failure ResponseEnvelope for callId over
// respond, exported so a Gateway can reuse the same wire shaping for
// middleware rejections that never reach DispatchInvocation.
func (s *Server) RespondFailure(respond func([]byte) error, callId, errMsg string) {
	s.respondFailure(respond, callId, errMsg)
}

func (s *Server) respondFailure(respond func([]byte) error, callId, errMsg string) {
	if callId == "" {
		return
	}
	data, err := envelope.NewResponseFailure(callId, errMsg).Encode()
	if err != nil {
		s.log.Warn("server: failed to encode failure response", "error", err)
		return
	}
	if err := respond(data); err != nil {
		s.log.Warn("server: failed to send failure response", "callId", callId, "error", err)
	}
}

// resolveTarget translates inv.Target through the exposed-name
// registry (spec §4.4), falling back to parsing it as a literal
// ActorId wire form, then resolves it to a local actor — installing
// one via the dynamic-exposure callback when it is not yet known.
func (s *Server) resolveTarget(inv *envelope.InvocationEnvelope) (actorsystem.Actor, error) {
	id, ok := s.registry.Resolve(inv.Target)
	if !ok {
		parsed, err := actorid.Parse(inv.Target)
		if err != nil {
			return nil, merrors.RemoteInvocationFailed("malformed target id: " + err.Error())
		}
		id = parsed
	}

	if actor, ok := s.system.LookupLocal(id); ok {
		return actor, nil
	}

	if s.onReq != nil {
		if actor, ok := s.onReq(id); ok {
			s.system.RegisterLocal(actor)
			return actor, nil
		}
	}

	return nil, merrors.ActorNotFound(id.String())
}

func (s *Server) handleInvocation(ctx context.Context, inv *envelope.InvocationEnvelope, respond func([]byte) error) {
	actor, err := s.resolveTarget(inv)
	if err != nil {
		s.recordError(metrics.ReasonActorNotFound)
		s.respondFailure(respond, inv.CallId, err.Error())
		return
	}

	s.DispatchInvocation(ctx, actor, inv, respond)
}

// ResolveTarget translates inv.Target to a local actor exactly as
// handleInvocation does, exported so a Gateway can resolve the actor
// before running its middleware chain (spec §4.6's process(envelope,
// actor, context, next) contract needs the actor resolved up front).
func (s *Server) ResolveTarget(inv *envelope.InvocationEnvelope) (actorsystem.Actor, error) {
	return s.resolveTarget(inv)
}

// DispatchInvocation performs the actual local dispatch for inv against
// an already-resolved actor: a synchronous call for ordinary methods,
// or a stream open for stream-opener targets (spec §4.4). Exported so a
// Gateway can invoke it as the innermost Handler of its middleware
// chain.
func (s *Server) DispatchInvocation(ctx context.Context, actor actorsystem.Actor, inv *envelope.InvocationEnvelope, respond func([]byte) error) {
	if s.system.IsStreamOpener(inv.TargetIdent) {
		s.handleStreamOpen(ctx, actor, inv, respond)
		return
	}

	start := time.Now()
	resp := s.system.ExecuteTarget(ctx, actor, inv)
	s.recordInvocation(resp.Success)
	if s.metrics != nil {
		s.metrics.RecordHistogram(metrics.NameInvocationsLatency, float64(time.Since(start))/float64(time.Millisecond), nil)
	}

	data, err := (&envelope.TransportEnvelope{Kind: envelope.KindResponse, Response: resp}).Encode()
	if err != nil {
		s.log.Warn("server: failed to encode response", "callId", inv.CallId, "error", err)
		return
	}
	if err := respond(data); err != nil {
		s.log.Warn("server: failed to send response", "callId", inv.CallId, "error", err)
	}
}

func (s *Server) handleStreamOpen(ctx context.Context, actor actorsystem.Actor, inv *envelope.InvocationEnvelope, respond func([]byte) error) {
	src, err := s.system.ExecuteStreamingTarget(ctx, actor, inv)
	if err != nil {
		s.respondFailure(respond, inv.CallId, err.Error())
		return
	}

	filter, filterParams := s.resolveFilter(inv)
	s.openStream(ctx, inv, actor, src, filter, filterParams, respond)
}

// resolveFilter looks up the named filter an invocation requested, per
// the conservative-acceptance rule: an unknown name opens the stream
// unfiltered rather than failing it.
func (s *Server) resolveFilter(inv *envelope.InvocationEnvelope) (streamregistry.Filter, map[string]string) {
	if inv.Filter == nil {
		return nil, nil
	}
	f, _ := s.filters.Lookup(inv.Filter.Name)
	return f, inv.Filter.Params
}

// openStream registers inv's stream with the table and emits StreamStart,
// shared by a fresh stream open and the resume-overflow fallback's
// re-dispatch (both need the identical Open call).
func (s *Server) openStream(ctx context.Context, inv *envelope.InvocationEnvelope, actor actorsystem.Actor, src <-chan streamregistry.Production, filter streamregistry.Filter, filterParams map[string]string, respond func([]byte) error) uuid.UUID {
	send := streamregistry.SendFunc(func(env *envelope.TransportEnvelope) error {
		data, err := env.Encode()
		if err != nil {
			return err
		}
		return respond(data)
	})

	return s.streams.Open(ctx, inv, actor.ActorId(), send, src, filter, filterParams, nil)
}

func (s *Server) handleStreamResume(ctx context.Context, env *envelope.StreamResumeEnvelope, respond func([]byte) error) {
	id, err := uuid.Parse(env.StreamId)
	if err != nil {
		s.log.Warn("server: malformed streamResume id, dropping", "streamId", env.StreamId)
		return
	}

	send := streamregistry.SendFunc(func(e *envelope.TransportEnvelope) error {
		data, err := e.Encode()
		if err != nil {
			return err
		}
		return respond(data)
	})

	err = s.streams.Resume(id, env.LastSequence, send)
	if err == nil {
		return
	}
	if !errors.Is(err, streamregistry.ErrStreamGone) {
		s.log.Warn("server: stream resume failed", "streamId", env.StreamId, "error", err)
		return
	}

	s.reinvokeAfterOverflow(ctx, id, respond)
}

// reinvokeAfterOverflow implements spec §4.2's replay-overflow fallback:
// when a resume lands on a stream whose checkpoint has already been
// evicted (or that has since completed, been superseded, or never
// existed on this node), re-dispatch the original invocation fresh,
// under a new stream id, rather than leaving the client stuck.
func (s *Server) reinvokeAfterOverflow(ctx context.Context, id uuid.UUID, respond func([]byte) error) {
	fb, ok := s.streams.Fallback(id)
	if !ok {
		s.log.Info("server: stream resume unavailable, no retained invocation to re-dispatch", "streamId", id.String())
		return
	}

	actor, ok := s.system.LookupLocal(fb.ActorId)
	if !ok {
		s.log.Info("server: stream resume fallback actor no longer present", "streamId", id.String(), "actorId", fb.ActorId.String())
		return
	}

	src, err := s.system.ExecuteStreamingTarget(ctx, actor, fb.Invocation)
	if err != nil {
		s.respondFailure(respond, fb.Invocation.CallId, err.Error())
		return
	}

	s.openStream(ctx, fb.Invocation, actor, src, fb.Filter, fb.FilterParams, respond)
}

// UnexposeActor cancels every server-side stream hosted by id and
// removes any exposed names bound to it (spec §4.2 actorTerminated).
func (s *Server) UnexposeActor(id actorid.ActorId) {
	s.streams.UnsubscribeActor(id)
	for _, name := range s.registry.Names() {
		if bound, ok := s.registry.Resolve(name); ok && bound.Equal(id) {
			s.registry.Unexpose(name)
		}
	}
	s.system.UnregisterLocal(id)
}

func (s *Server) recordInvocation(success bool) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
		s.recordError(metrics.ReasonHandlerError)
	}
	s.metrics.IncrementCounter(metrics.NameInvocationsCount, 1, metrics.Tags{"status": status})
}

func (s *Server) recordError(reason metrics.ErrorReason) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementCounter(metrics.NameInvocationsErrors, 1, metrics.Tags{"reason": string(reason)})
}
