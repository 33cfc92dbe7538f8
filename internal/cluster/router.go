package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// NewRouter builds the watermill message.Router every node runs its
// exposure subscription through, logging via logger the way the
// teacher's NewWatermillRouter does.
func NewRouter(logger *slog.Logger) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
}

// Register subscribes f to every other node's announcements on router,
// using a node-unique queue name against the shared ExposureExchange so
// this node receives a copy of every announcement (spec'd cluster-wide
// convergence, not per-recipient locality routing).
//
// Grounded on router.go's RegisterHandlers: one unique queue per node
// bound to a shared exchange/topic, the same "every instance receives
// the event" fan-out topology.
func (f *Fanout) Register(router *message.Router, sub message.Subscriber) error {
	queue := fmt.Sprintf("%s.%s", ExposureTopic, f.nodeID)
	router.AddNoPublisherHandler(
		queue+"_exposure_listener",
		ExposureTopic,
		sub,
		f.Handler(),
	)
	return nil
}

// Run starts router and blocks until ctx is cancelled or the router
// stops for another reason, mirroring the teacher's lifecycle-hook
// goroutine (callers typically invoke Run in their own goroutine, as
// the teacher's fx.Hook.OnStart does).
func Run(ctx context.Context, router *message.Router) error {
	return router.Run(ctx)
}
