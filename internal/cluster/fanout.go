// Package cluster implements cross-node exposed-actor-name propagation
// (SPEC_FULL.md's cluster-wide exposed-name propagation supplement): a
// node that exposes a name locally broadcasts the fact over a watermill
// bus so every other node's server.ExposedActorRegistry converges on
// the same view, with the exposing node's own address attached so a
// client connected to any node can resolve any exposed name mesh-wide.
//
// Grounded on internal/handler/amqp/router.go + bind.go + listeners.go:
// the same node-unique-queue-plus-shared-exchange fan-out topology,
// repurposed from "deliver a user message to the node that owns that
// user's session" to "announce that this node now hosts actor name X".
package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/actormesh/core/pkg/actorid"
)

// ExposureExchange is the shared exchange/topic every node's queue binds
// to, so an announcement published by one node reaches all the others.
const ExposureExchange = "actormesh.exposure"

// ExposureTopic is the routing key all announcements publish under.
const ExposureTopic = "actor.exposure.v1"

const (
	kindExpose   = "expose"
	kindUnexpose = "unexpose"
)

// announcement is the wire shape of one exposure event.
type announcement struct {
	Kind string        `json:"kind"`
	Name string        `json:"name"`
	Id   actorid.ActorId `json:"id"`
	Node string        `json:"node"`
}

// Registry is the subset of server.ExposedActorRegistry the fanout
// needs: enough to apply a remote node's announcement locally without
// importing the server package (avoiding a cluster<->server import
// cycle, since server is the natural place to wire a Fanout from).
type Registry interface {
	Expose(name string, id actorid.ActorId)
	Unexpose(name string)
}

// Fanout announces this node's local expose/unexpose calls to the rest
// of the mesh and applies the announcements it receives back from other
// nodes to a local Registry.
type Fanout struct {
	nodeID   string
	selfHost string
	selfPort int
	registry Registry
	pub      message.Publisher
	log      *slog.Logger
}

// Option configures a Fanout at construction time.
type Option func(*Fanout)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fanout) { f.log = l }
}

// New builds a Fanout for a node reachable at host:port, publishing
// announcements via pub and applying incoming ones to registry. pub
// should be bound to ExposureExchange/ExposureTopic (see NewInProcessPubSub
// and NewAMQPPubSub).
func New(nodeID, host string, port int, registry Registry, pub message.Publisher, opts ...Option) *Fanout {
	f := &Fanout{
		nodeID:   nodeID,
		selfHost: host,
		selfPort: port,
		registry: registry,
		pub:      pub,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ExposeLocal registers id under name in the local registry and
// broadcasts the exposure to the rest of the mesh, rewriting id's
// host/port to this node's own address so remote callers can reach it.
func (f *Fanout) ExposeLocal(name string, id actorid.ActorId) error {
	f.registry.Expose(name, id)
	return f.publish(kindExpose, name, f.remoteID(id))
}

// UnexposeLocal removes name from the local registry and broadcasts the
// withdrawal.
func (f *Fanout) UnexposeLocal(name string) error {
	f.registry.Unexpose(name)
	return f.publish(kindUnexpose, name, actorid.ActorId{})
}

func (f *Fanout) remoteID(id actorid.ActorId) actorid.ActorId {
	if id.IsRemote() {
		return id
	}
	return actorid.ActorId{Id: id.Id, Host: f.selfHost, Port: f.selfPort}
}

func (f *Fanout) publish(kind, name string, id actorid.ActorId) error {
	payload, err := json.Marshal(announcement{Kind: kind, Name: name, Id: id, Node: f.nodeID})
	if err != nil {
		return fmt.Errorf("cluster: marshal announcement: %w", err)
	}
	return f.pub.Publish(ExposureTopic, message.NewMessage(watermill.NewUUID(), payload))
}

// Handler returns the message.NoPublishHandlerFunc a Router subscription
// should run every incoming announcement through (see Register in
// router.go). Exported separately from Register so callers wiring their
// own Router topology can bind it directly.
//
// Grounded on bind.go's panic-recovery-plus-decode-plus-ack-on-poison-pill
// shape, generalized from per-user locality filtering to self-origin
// filtering (a node ignores its own announcements: ExposeLocal/UnexposeLocal
// already applied them to the local registry synchronously).
func (f *Fanout) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				f.log.Error("cluster: panic recovered", "err", r, "stack", string(debug.Stack()), "msg_id", msg.UUID)
			}
		}()

		var ann announcement
		if err := json.Unmarshal(msg.Payload, &ann); err != nil {
			f.log.Warn("cluster: decode failed, dropping", "error", err, "msg_id", msg.UUID)
			return nil // ack: poison-pill protection
		}

		if ann.Node == f.nodeID {
			return nil // ack: already applied locally by the announcing call
		}

		switch ann.Kind {
		case kindExpose:
			f.registry.Expose(ann.Name, ann.Id)
		case kindUnexpose:
			f.registry.Unexpose(ann.Name)
		default:
			f.log.Warn("cluster: unknown announcement kind, dropping", "kind", ann.Kind)
		}
		return nil
	}
}
