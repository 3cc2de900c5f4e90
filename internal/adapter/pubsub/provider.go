// Package pubsub adapts the coordination bus. Every node publishes to and
// subscribes from one shared fan-out channel for the whole fleet; the
// delivery dispatcher filters locally, so channel sharding stays an
// optimization, not a correctness requirement.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/wirebeam/pushfabric/config"
)

// FabricEventsTopic is the single shared broadcast channel of the fleet.
const FabricEventsTopic = "fabric.events.v1"

// Bus bundles the two watermill sides of one driver.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// NewBus builds the configured driver. "amqp" binds a per-node durable
// queue to a fan-out exchange so every process receives every envelope;
// "channel" wires an in-process GoChannel for single-node deployments and
// tests.
func NewBus(cfg *config.Config, wlogger watermill.LoggerAdapter) (*Bus, error) {
	switch cfg.Bus.Driver {
	case "amqp":
		amqpCfg := amqp.NewDurablePubSubConfig(
			cfg.Bus.AMQPURL,
			amqp.GenerateQueueNameTopicNameWithSuffix("."+cfg.Node.ID),
		)

		pub, err := amqp.NewPublisher(amqpCfg, wlogger)
		if err != nil {
			return nil, fmt.Errorf("pubsub: amqp publisher: %w", err)
		}
		sub, err := amqp.NewSubscriber(amqpCfg, wlogger)
		if err != nil {
			return nil, fmt.Errorf("pubsub: amqp subscriber: %w", err)
		}
		return &Bus{Publisher: pub, Subscriber: sub}, nil

	case "channel":
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, wlogger)
		return &Bus{Publisher: ch, Subscriber: ch}, nil

	default:
		return nil, fmt.Errorf("pubsub: unknown bus driver %q", cfg.Bus.Driver)
	}
}
