package client

import "testing"

func TestStateMachineInitialStateIsDisconnected(t *testing.T) {
	m := newStateMachine()
	if m.current().Kind != Disconnected {
		t.Fatalf("expected disconnected, got %v", m.current())
	}
	if !m.current().CanConnect() {
		t.Fatal("expected CanConnect true in disconnected")
	}
}

func TestStateMachineConnectingRejectedWhenConnected(t *testing.T) {
	m := newStateMachine()
	if !m.toConnecting() {
		t.Fatal("expected toConnecting to succeed from disconnected")
	}
	m.toConnected()
	if m.toConnecting() {
		t.Fatal("expected toConnecting to fail from connected")
	}
}

func TestStateMachineFailedAllowsReconnect(t *testing.T) {
	m := newStateMachine()
	m.toConnecting()
	m.toFailed(nil)
	if !m.current().CanConnect() {
		t.Fatal("expected CanConnect true in failed")
	}
	if !m.toConnecting() {
		t.Fatal("expected toConnecting to succeed from failed")
	}
}

func TestStateMachineReconnectingIsTransitioning(t *testing.T) {
	m := newStateMachine()
	m.toConnecting()
	m.toConnected()
	m.toReconnecting(1)

	s := m.current()
	if !s.IsTransitioning() {
		t.Fatal("expected IsTransitioning true in reconnecting")
	}
	if s.CanConnect() {
		t.Fatal("expected CanConnect false in reconnecting")
	}
	if s.String() != "reconnecting(1)" {
		t.Fatalf("unexpected String(): %s", s.String())
	}
}

func TestStateMachineDisconnectedResetsFromAnyState(t *testing.T) {
	m := newStateMachine()
	m.toConnecting()
	m.toConnected()
	m.toDisconnected()
	if m.current().Kind != Disconnected {
		t.Fatalf("expected disconnected, got %v", m.current())
	}
}
