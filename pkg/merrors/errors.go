// Package merrors implements the closed error taxonomy surfaced from the
// core (spec §4.8, §7). Each category is a distinct sentinel so callers can
// branch with errors.Is; the constructors attach the category-specific
// detail expected by callers and by the gateway's error-shaping (§4.6).
package merrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching. Construction helpers below wrap these
// with the detail the spec requires each category to carry.
var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrActorNotFound         = errors.New("actor not found")
	ErrRemoteInvocationFailed = errors.New("remote invocation failed")
	ErrSystemNotRunning      = errors.New("actor system not running")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")
	ErrTimeout               = errors.New("timeout")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
)

type wrapped struct {
	sentinel error
	detail   string
}

func (w *wrapped) Error() string { return w.detail }
func (w *wrapped) Unwrap() error { return w.sentinel }

// ConnectionFailed builds a connectionFailed(host, port, underlying) error.
func ConnectionFailed(host string, port int, underlying error) error {
	return &wrapped{
		sentinel: ErrConnectionFailed,
		detail:   fmt.Sprintf("connection failed to %s:%d: %v", host, port, underlying),
	}
}

// ConnectionClosed builds a connectionClosed error.
func ConnectionClosed() error {
	return &wrapped{sentinel: ErrConnectionClosed, detail: "connection closed"}
}

// ActorNotFound builds an actorNotFound(id) error.
func ActorNotFound(id string) error {
	return &wrapped{sentinel: ErrActorNotFound, detail: fmt.Sprintf("actor not found: %s", id)}
}

// RemoteInvocationFailed builds a remoteInvocationFailed(message) error.
func RemoteInvocationFailed(message string) error {
	return &wrapped{sentinel: ErrRemoteInvocationFailed, detail: message}
}

// SystemNotRunning builds a systemNotRunning error.
func SystemNotRunning() error {
	return &wrapped{sentinel: ErrSystemNotRunning, detail: "actor system not running"}
}

// SerializationFailed builds a serializationFailed error.
func SerializationFailed(underlying error) error {
	return &wrapped{sentinel: ErrSerializationFailed, detail: fmt.Sprintf("serialization failed: %v", underlying)}
}

// DeserializationFailed builds a deserializationFailed error.
func DeserializationFailed(underlying error) error {
	return &wrapped{sentinel: ErrDeserializationFailed, detail: fmt.Sprintf("deserialization failed: %v", underlying)}
}

// Timeout builds a timeout(duration) error.
func Timeout(d time.Duration) error {
	return &wrapped{sentinel: ErrTimeout, detail: fmt.Sprintf("timeout after %s", d)}
}

// InvalidConfiguration builds an invalidConfiguration(message) error.
func InvalidConfiguration(message string) error {
	return &wrapped{sentinel: ErrInvalidConfiguration, detail: "invalid configuration: " + message}
}
