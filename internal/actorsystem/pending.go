package actorsystem

import (
	"sync"

	"github.com/actormesh/core/pkg/merrors"
)

// pendingResult is the one-shot completion value for a suspended
// remoteCall (spec §3 "Pending-call table").
type pendingResult struct {
	payload []byte
	err     error
}

// pendingTable owns the mapping from call id to a one-shot completion
// sink. Grounded on the teacher's sync.Map-backed Hub.cells (hub.go),
// generalized from "per-user cell" to "per-call-id one-shot channel":
// the invariant that a call id is present exactly once between dispatch
// and completion mirrors the teacher's idempotent-registration contract
// on Hub.Register.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]chan pendingResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]chan pendingResult)}
}

// register creates the one-shot sink for callId. Called once per
// remoteCall, before the invocation envelope is sent.
func (t *pendingTable) register(callId string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	t.mu.Lock()
	t.entries[callId] = ch
	t.mu.Unlock()
	return ch
}

// complete matches callId and completes its sink exactly once; a call id
// with no registered sink is dropped silently (a late response to a
// cancelled or timed-out call, spec §4.1).
func (t *pendingTable) complete(callId string, result pendingResult) {
	t.mu.Lock()
	ch, ok := t.entries[callId]
	if ok {
		delete(t.entries, callId)
	}
	t.mu.Unlock()

	if ok {
		ch <- result
	}
}

// remove unregisters callId without completing it, used when a call is
// abandoned (encode or send failure, or cancellation of the caller's
// context); complete removes the entry itself when a response arrives.
func (t *pendingTable) remove(callId string) {
	t.mu.Lock()
	delete(t.entries, callId)
	t.mu.Unlock()
}

// failAll completes every currently pending sink with a connection-closed
// error (spec §3: "in which case all pending entries fail with a
// connection-closed error").
func (t *pendingTable) failAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]chan pendingResult)
	t.mu.Unlock()

	for _, ch := range entries {
		ch <- pendingResult{err: merrors.ConnectionClosed()}
	}
}

// count reports the number of currently pending calls (used by tests and
// metrics).
func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
