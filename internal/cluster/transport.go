package cluster

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
)

// NewInProcessPubSub builds a gochannel-backed Publisher/Subscriber pair
// for single-node deployments and tests, where there is no other node to
// converge with but the exposure bus still needs a concrete transport to
// bind against.
func NewInProcessPubSub(logger *slog.Logger) (message.Publisher, message.Subscriber) {
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))
	return bus, bus
}

// NewAMQPPubSub builds the production AMQP-backed Publisher/Subscriber
// pair: a durable fanout exchange (ExposureExchange) with one
// node-unique, durable queue per subscriber so every node receives
// its own copy of every announcement.
//
// Grounded on the teacher's reliance on watermill-amqp/v3 (a direct
// go.mod dependency whose filtered-pack call sites live in an
// infra/pubsub package not retained by the distillation); this
// constructs the equivalent topology directly against the library's own
// convenience config rather than the teacher's now-missing factory
// wrapper.
func NewAMQPPubSub(amqpURI, nodeID string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	cfg := amqp.NewDurablePubSubConfig(amqpURI, amqp.GenerateQueueNameTopicNameWithSuffix(nodeID))
	cfg.Exchange.GenerateName = func(topic string) string { return ExposureExchange }
	cfg.Exchange.Type = "fanout"

	logAdapter := watermill.NewSlogLogger(logger)

	pub, err := amqp.NewPublisher(cfg, logAdapter)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: build amqp publisher: %w", err)
	}
	sub, err := amqp.NewSubscriber(cfg, logAdapter)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: build amqp subscriber: %w", err)
	}
	return pub, sub, nil
}
