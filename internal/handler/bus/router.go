package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/wirebeam/pushfabric/internal/adapter/pubsub"
	"github.com/wirebeam/pushfabric/internal/service"
)

// Consumer drains the shared fabric channel and hands every envelope to
// the local fan-out.
type Consumer struct {
	fanout *service.Fanout
	logger *slog.Logger
}

func NewConsumer(fanout *service.Fanout, logger *slog.Logger) *Consumer {
	return &Consumer{fanout: fanout, logger: logger}
}

func NewWatermillRouter(wlogger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 10 * time.Second,
	}, wlogger)
	if err != nil {
		return nil, fmt.Errorf("bus: router: %w", err)
	}
	return router, nil
}

// [REGISTRATION_PIPELINE]
func RegisterHandlers(router *message.Router, b *pubsub.Bus, c *Consumer) error {
	router.AddNoPublisherHandler(
		"ON_FABRIC_EVENT",
		pubsub.FabricEventsTopic,
		b.Subscriber,
		Bind(c),
	)

	router.AddMiddleware(
		TraceIDMiddleware,
		LoggingMiddleware(c.logger),
		middleware.Timeout(time.Second*30),
	)

	c.logger.Info("BUS_PIPELINE_READY", "topic", pubsub.FabricEventsTopic)
	return nil
}
