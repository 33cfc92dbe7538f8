// Package client implements client-side outbound dispatch (spec §4.5):
// a single session to a configured endpoint, a background consumer
// routing inbound envelopes into the ActorSystem, the connection state
// machine, and reconnection with stream-resume on recovery.
package client

import (
	"fmt"
	"sync"
)

// StateKind is the closed set of connection states (spec §4.5).
type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the connection state machine's current value. Attempt is
// meaningful only in Reconnecting (the reconnecting(n) variant); Err is
// meaningful only in Failed (failed(err)).
type State struct {
	Kind    StateKind
	Attempt int
	Err     error
}

func (s State) String() string {
	switch s.Kind {
	case Reconnecting:
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	case Failed:
		return fmt.Sprintf("failed(%v)", s.Err)
	default:
		return s.Kind.String()
	}
}

// CanConnect reports whether connect() is a valid transition from this
// state (spec §4.5: true in disconnected or failed).
func (s State) CanConnect() bool {
	return s.Kind == Disconnected || s.Kind == Failed
}

// IsTransitioning reports whether a connection attempt is currently in
// flight (spec §4.5: true in connecting or reconnecting).
func (s State) IsTransitioning() bool {
	return s.Kind == Connecting || s.Kind == Reconnecting
}

// stateMachine owns the current State and enforces the transition table
// of spec §4.5 under a single mutex. It has no knowledge of the
// transport or reconnection policy; callers drive it.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: State{Kind: Disconnected}}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// toConnecting transitions disconnected/failed -> connecting. Returns
// false if the current state cannot connect.
func (m *stateMachine) toConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CanConnect() {
		return false
	}
	m.state = State{Kind: Connecting}
	return true
}

// toConnected transitions connecting/reconnecting(n) -> connected.
func (m *stateMachine) toConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Kind: Connected}
}

// toFailed transitions to failed(err) from connecting or reconnecting
// exhaustion.
func (m *stateMachine) toFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Kind: Failed, Err: err}
}

// toReconnecting transitions connected -> reconnecting(1), or
// reconnecting(n) -> reconnecting(n+1). attempt is the caller-supplied
// next attempt number.
func (m *stateMachine) toReconnecting(attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Kind: Reconnecting, Attempt: attempt}
}

// toDisconnected forces a reset to disconnected (explicit Close()).
func (m *stateMachine) toDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Kind: Disconnected}
}
