// Package transport defines the Transport abstraction (spec §4.3): a
// message-framed connection manager with a pooled set of outgoing
// sessions and a single inbound message stream. Concrete bindings live in
// the wsbind (secure WebSocket, primary) and grpcbind (bidi gRPC stream,
// alternate) subpackages.
package transport

import (
	"context"
	"crypto/tls"
)

// Endpoint identifies a transport peer (spec §3 GLOSSARY).
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return e.Host + ":" + itoa(e.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Message is one inbound framed message delivered over the Transport's
// Incoming sequence (spec §4.3).
type Message struct {
	Bytes  []byte
	Source *Endpoint // optional: absent for connectionless/listener-side framing that doesn't track peer identity
	// Respond delivers data back over the session this message arrived on,
	// not a freshly dialed one.
	Respond func(data []byte) error
}

// TLSConfig carries optional TLS material for the WebSocket binding (spec
// §4.3, §6). When Enabled is false the listener/dialer uses plaintext.
type TLSConfig struct {
	Enabled  bool
	CertPEM  []byte
	KeyPEM   []byte
	MinTLS   uint16 // defaults to tls.VersionTLS12 when zero
}

func (c TLSConfig) minVersion() uint16 {
	if c.MinTLS == 0 {
		return tls.VersionTLS12
	}
	return c.MinTLS
}

// ServerTLSConfig builds a *tls.Config presenting the configured
// certificate chain, enforcing the spec's TLS 1.2 floor.
func (c TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.minVersion(),
	}, nil
}

// Transport is the core abstraction of spec §4.3.
type Transport interface {
	// Send delivers one framed message to endpoint, establishing a new
	// session via the pool if none exists yet.
	Send(ctx context.Context, data []byte, endpoint Endpoint) error
	// Listen binds a server socket; after it returns without error,
	// Incoming begins yielding inbound messages.
	Listen(ctx context.Context, endpoint Endpoint) error
	// Shutdown closes all pooled sessions and the listening socket, then
	// closes the Incoming channel.
	Shutdown(ctx context.Context) error
	// Incoming is the lazy sequence of inbound messages. Single consumer.
	Incoming() <-chan Message
}
