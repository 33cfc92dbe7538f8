// Package wsbind implements the primary transport binding of spec §4.3:
// secure WebSocket framing over gorilla/websocket, with TLS negotiated at
// a minimum of TLS 1.2 when enabled. Grounded on the teacher's
// internal/handler/ws/delivery.go upgrade+pump-loop shape, generalized
// from one hard-coded consumer to the generic Transport contract.
package wsbind

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/actormesh/core/pkg/transport"
)

// Binding implements transport.Transport over WebSocket connections.
type Binding struct {
	pool *transport.Pool

	upgrader websocket.Upgrader

	mu         sync.Mutex
	incoming   chan transport.Message
	listener   net.Listener
	server     *http.Server
	closed     bool
	wg         sync.WaitGroup
	serverSess map[*session]struct{}
}

// New builds a WebSocket Binding. tlsCfg may be the zero value (disabled).
func New(tlsCfg transport.TLSConfig) *Binding {
	b := &Binding{
		incoming: make(chan transport.Message, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		serverSess: make(map[*session]struct{}),
	}
	b.pool = transport.NewPool(b.dial(tlsCfg))
	return b
}

func (b *Binding) dial(tlsCfg transport.TLSConfig) transport.Dialer {
	return func(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
		scheme := "ws"
		dialer := websocket.DefaultDialer
		if tlsCfg.Enabled {
			scheme = "wss"
			cfg, err := tlsCfg.ServerTLSConfig()
			if err != nil {
				return nil, err
			}
			dialer = &websocket.Dialer{TLSClientConfig: cfg}
		}

		url := fmt.Sprintf("%s://%s:%d/", scheme, ep.Host, ep.Port)
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}

		sess := &session{conn: conn, incoming: b.incoming, source: ep}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			sess.readPump()
		}()
		return sess, nil
	}
}

// Send delivers one framed message, dialing a new session if needed.
func (b *Binding) Send(ctx context.Context, data []byte, ep transport.Endpoint) error {
	return b.pool.Send(ctx, data, ep)
}

// Connect establishes (or reuses) a session to ep without sending data,
// used by internal/client to implement the explicit connect state
// transition of spec §4.5.
func (b *Binding) Connect(ctx context.Context, ep transport.Endpoint) error {
	return b.pool.Connect(ctx, ep)
}

// Connected reports whether a live pooled session exists for ep.
func (b *Binding) Connected(ep transport.Endpoint) bool {
	return b.pool.HasSession(ep)
}

// Listen binds an HTTP server presenting the WS upgrade endpoint at "/".
func (b *Binding) Listen(ctx context.Context, ep transport.Endpoint) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleUpgrade)

	b.mu.Lock()
	b.listener = ln
	b.server = &http.Server{Handler: mux}
	b.mu.Unlock()

	go b.server.Serve(ln)
	return nil
}

// ListenTLS binds a TLS-terminating listener presenting the configured
// certificate chain, negotiating a minimum of TLS 1.2 (spec §4.3).
func (b *Binding) ListenTLS(ctx context.Context, ep transport.Endpoint, tlsCfg transport.TLSConfig) error {
	cfg, err := tlsCfg.ServerTLSConfig()
	if err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port), cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleUpgrade)

	b.mu.Lock()
	b.listener = ln
	b.server = &http.Server{Handler: mux, TLSConfig: cfg}
	b.mu.Unlock()

	go b.server.Serve(ln)
	return nil
}

func (b *Binding) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	host, port := splitHostPort(r.RemoteAddr)
	ep := transport.Endpoint{Host: host, Port: port}

	sess := &session{conn: conn, incoming: b.incoming, source: ep}

	b.mu.Lock()
	b.serverSess[sess] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	defer func() {
		b.mu.Lock()
		delete(b.serverSess, sess)
		b.mu.Unlock()
		b.wg.Done()
	}()
	sess.readPump()
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// Shutdown closes all sessions and the listener, then closes Incoming.
func (b *Binding) Shutdown(ctx context.Context) error {
	b.pool.Shutdown()

	b.mu.Lock()
	server := b.server
	closed := b.closed
	b.closed = true
	b.mu.Unlock()

	if closed {
		return nil
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}

	b.mu.Lock()
	for sess := range b.serverSess {
		_ = sess.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.incoming)
	return nil
}

func (b *Binding) Incoming() <-chan transport.Message {
	return b.incoming
}

// UpgradeHandler exposes the WS upgrade endpoint as a plain http.HandlerFunc,
// for deployments that terminate all HTTP traffic (upgrade route, /healthz,
// /metrics) behind a single chi.Mux/listener instead of the standalone
// socket Listen/ListenTLS open. Listen/ListenTLS remain the simpler
// single-purpose path; mounting this handler on an external mux is an
// alternative to calling them, not additive with them (both would try to
// claim the same upgrade traffic).
func (b *Binding) UpgradeHandler() http.HandlerFunc {
	return b.handleUpgrade
}

// session is a transport.Session wrapping one websocket.Conn, doubling as
// the inbound-message source for its own reads (matching spec §4.3's
// "respond side-channel targets the originating session").
type session struct {
	conn     *websocket.Conn
	incoming chan transport.Message
	source   transport.Endpoint
	writeMu  sync.Mutex
}

func (s *session) Send(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *session) Close() error {
	return s.conn.Close()
}

// readPump is the single reader goroutine per session (spec §4.3: frames
// are binary; ping answered with pong automatically by gorilla/websocket;
// connectionClose triggers orderly teardown here via the loop exiting).
func (s *session) readPump() {
	defer s.conn.Close()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}

		src := s.source
		msg := transport.Message{
			Bytes:   data,
			Source:  &src,
			Respond: s.Send2,
		}
		s.incoming <- msg
	}
}

// Send2 adapts Send's context-taking signature to the Respond side-channel
// (which has no caller-supplied context to thread through).
func (s *session) Send2(data []byte) error {
	return s.Send(context.Background(), data)
}
