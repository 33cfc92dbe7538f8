package cluster

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/actormesh/core/pkg/actorid"
)

type fakeRegistry struct {
	mu      sync.Mutex
	exposed map[string]actorid.ActorId
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{exposed: map[string]actorid.ActorId{}}
}

func (r *fakeRegistry) Expose(name string, id actorid.ActorId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exposed[name] = id
}

func (r *fakeRegistry) Unexpose(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exposed, name)
}

func (r *fakeRegistry) lookup(name string) (actorid.ActorId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.exposed[name]
	return id, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestFanoutPropagatesExposeToOtherNode(t *testing.T) {
	log := quietLogger()
	pub, sub := NewInProcessPubSub(log)

	registryA := newFakeRegistry()
	registryB := newFakeRegistry()

	fanoutA := New("node-a", "10.0.0.1", 7000, registryA, pub, WithLogger(log))
	fanoutB := New("node-b", "10.0.0.2", 7000, registryB, pub, WithLogger(log))

	router, err := NewRouter(log)
	if err != nil {
		t.Fatal(err)
	}
	if err := fanoutB.Register(router, sub); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, router)
	<-router.Running()

	id := actorid.ActorId{Id: "room-1"}
	if err := fanoutA.ExposeLocal("lobby", id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, ok := registryB.lookup("lobby")
		return ok
	})

	got, _ := registryB.lookup("lobby")
	if got.Id != "room-1" || got.Host != "10.0.0.1" || got.Port != 7000 {
		t.Fatalf("expected remote id stamped with node-a's address, got %+v", got)
	}

	gotA, ok := registryA.lookup("lobby")
	if !ok || gotA.Host != "" {
		t.Fatalf("expected local registry to keep the bare local id, got %+v ok=%v", gotA, ok)
	}
}

func TestFanoutPropagatesUnexpose(t *testing.T) {
	log := quietLogger()
	pub, sub := NewInProcessPubSub(log)

	registryA := newFakeRegistry()
	registryB := newFakeRegistry()
	registryB.Expose("lobby", actorid.ActorId{Id: "room-1", Host: "10.0.0.1", Port: 7000})

	fanoutA := New("node-a", "10.0.0.1", 7000, registryA, pub, WithLogger(log))
	fanoutB := New("node-b", "10.0.0.2", 7000, registryB, pub, WithLogger(log))

	router, err := NewRouter(log)
	if err != nil {
		t.Fatal(err)
	}
	if err := fanoutB.Register(router, sub); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, router)
	<-router.Running()

	if err := fanoutA.UnexposeLocal("lobby"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, ok := registryB.lookup("lobby")
		return !ok
	})
}

func TestFanoutIgnoresItsOwnAnnouncements(t *testing.T) {
	log := quietLogger()
	pub, sub := NewInProcessPubSub(log)
	registry := newFakeRegistry()

	fanout := New("node-a", "10.0.0.1", 7000, registry, pub, WithLogger(log))

	router, err := NewRouter(log)
	if err != nil {
		t.Fatal(err)
	}
	if err := fanout.Register(router, sub); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, router)
	<-router.Running()

	if err := fanout.ExposeLocal("lobby", actorid.ActorId{Id: "room-1"}); err != nil {
		t.Fatal(err)
	}

	// Give the bus a moment to deliver the self-originated message back;
	// the handler's Node == nodeID check must no-op rather than re-apply
	// the remote-stamped id over the local one.
	time.Sleep(50 * time.Millisecond)

	got, ok := registry.lookup("lobby")
	if !ok || got.Host != "" {
		t.Fatalf("expected local registry untouched by self-announcement, got %+v ok=%v", got, ok)
	}
}
