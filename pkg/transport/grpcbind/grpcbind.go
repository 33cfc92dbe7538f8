// Package grpcbind implements an alternate transport binding over a
// bidirectional gRPC stream of opaque frames, exercising the "implementations
// MAY select a more efficient codec" allowance of spec §6 while keeping the
// Transport contract identical to the WebSocket binding. Grounded on the
// teacher's internal/handler/grpc/delivery.go stream pump and
// infra/server/grpc/interceptors/stream_auth.go interceptor wrapping.
package grpcbind

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/actormesh/core/pkg/transport"
)

// Frame is the single message type carried over the bidi stream: one
// opaque byte blob, matching the framing contract of spec §6 (each
// message is one binary frame; the gRPC binding just uses protobuf bytes
// instead of a WebSocket binary frame as the carrier).
type Frame struct {
	Data []byte
}

// FrameStream is the minimal bidi-stream contract this binding needs,
// satisfied by generated protobuf service stream types in a real
// deployment. It is defined here so the binding has no compile-time
// dependency on a specific .proto-generated package.
type FrameStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
}

// Binding implements transport.Transport over a gRPC bidi stream.
type Binding struct {
	creds credentials.TransportCredentials

	pool *transport.Pool

	mu       sync.Mutex
	incoming chan transport.Message
	server   *grpc.Server
	closed   bool
}

// New builds a gRPC Binding. tlsCfg.Enabled selects transport credentials;
// otherwise the binding dials/listens in plaintext (suitable for
// intra-cluster links behind a trusted network boundary).
func New(tlsCfg transport.TLSConfig) (*Binding, error) {
	var creds credentials.TransportCredentials
	if tlsCfg.Enabled {
		cfg, err := tlsCfg.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(cfg)
	} else {
		creds = insecure.NewCredentials()
	}

	b := &Binding{
		creds:    creds,
		incoming: make(chan transport.Message, 256),
	}
	b.pool = transport.NewPool(b.dial)
	return b, nil
}

func (b *Binding) dial(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
	conn, err := grpc.NewClient(
		fmt.Sprintf("%s:%d", ep.Host, ep.Port),
		grpc.WithTransportCredentials(b.creds),
		grpc.WithChainStreamInterceptor(otelgrpc.StreamClientInterceptor()),
	)
	if err != nil {
		return nil, err
	}
	return &clientSession{conn: conn}, nil
}

// Send delivers one frame, dialing a new client connection if needed. The
// actual stream is opened lazily by clientSession.Send on first call since
// the service method (generated from a .proto this core does not own) is
// supplied by the integrator via RegisterStreamOpener.
func (b *Binding) Send(ctx context.Context, data []byte, ep transport.Endpoint) error {
	return b.pool.Send(ctx, data, ep)
}

// Connect establishes (or reuses) the bidi stream to ep without sending
// a frame, used by internal/client to implement the explicit connect
// state transition of spec §4.5.
func (b *Binding) Connect(ctx context.Context, ep transport.Endpoint) error {
	return b.pool.Connect(ctx, ep)
}

// Connected reports whether a live pooled session exists for ep.
func (b *Binding) Connected(ep transport.Endpoint) bool {
	return b.pool.HasSession(ep)
}

// StreamOpener opens the bidi frame stream on a freshly dialed
// *grpc.ClientConn. Integrators register their generated stub's streaming
// method here; the binding is otherwise agnostic to the concrete service.
type StreamOpener func(ctx context.Context, cc grpc.ClientConnInterface) (FrameStream, error)

var defaultOpener StreamOpener

// RegisterStreamOpener installs the process-wide opener that every
// Binding's client sessions use when they first open a stream, including
// Bindings created before the call. This indirection exists because the bidi-stream service
// method lives in generated protobuf code outside this module's control.
func RegisterStreamOpener(opener StreamOpener) { defaultOpener = opener }

type clientSession struct {
	conn   *grpc.ClientConn
	mu     sync.Mutex
	stream FrameStream
}

func (s *clientSession) ensureStream(ctx context.Context) (FrameStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return s.stream, nil
	}
	if defaultOpener == nil {
		return nil, fmt.Errorf("grpcbind: no stream opener registered")
	}
	st, err := defaultOpener(ctx, s.conn)
	if err != nil {
		return nil, err
	}
	s.stream = st
	return st, nil
}

func (s *clientSession) Send(ctx context.Context, data []byte) error {
	st, err := s.ensureStream(ctx)
	if err != nil {
		return err
	}
	return st.Send(&Frame{Data: data})
}

func (s *clientSession) Close() error {
	return s.conn.Close()
}

// ServeFrameStream is the handler an integrator's generated gRPC service
// implementation calls into for each accepted bidi stream; it pumps
// inbound frames onto Incoming and exposes a Respond side-channel bound to
// this stream, matching the WebSocket binding's session semantics.
func (b *Binding) ServeFrameStream(stream FrameStream, peer transport.Endpoint) error {
	respond := func(data []byte) error {
		return stream.Send(&Frame{Data: data})
	}

	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		src := peer
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil
		}

		b.incoming <- transport.Message{
			Bytes:   frame.Data,
			Source:  &src,
			Respond: respond,
		}
	}
}

// Listen starts a plain gRPC server with the otelgrpc tracing and
// recovery stream interceptors mounted; integrators register their generated service onto
// Server() before or after calling Listen.
func (b *Binding) Listen(ctx context.Context, ep transport.Endpoint) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		return err
	}

	srv := grpc.NewServer(
		grpc.Creds(b.creds),
		grpc.ChainStreamInterceptor(
			otelgrpc.StreamServerInterceptor(),
			grpcmiddleware.ChainStreamServer(
				recovery.StreamServerInterceptor(),
			),
		),
	)

	b.mu.Lock()
	b.server = srv
	b.mu.Unlock()

	go srv.Serve(ln)
	return nil
}

// Server exposes the underlying *grpc.Server so integrators can register
// their generated service implementation (which in turn calls
// ServeFrameStream per accepted stream).
func (b *Binding) Server() *grpc.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.server
}

func (b *Binding) Shutdown(ctx context.Context) error {
	b.pool.Shutdown()

	b.mu.Lock()
	srv := b.server
	closed := b.closed
	b.closed = true
	b.mu.Unlock()

	if closed {
		return nil
	}

	if srv != nil {
		srv.GracefulStop()
	}

	close(b.incoming)
	return nil
}

func (b *Binding) Incoming() <-chan transport.Message {
	return b.incoming
}
