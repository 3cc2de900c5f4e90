package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v3"
	"github.com/sony/gobreaker"
	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// EventDispatcher is the high-level contract for outbound envelopes.
// Callers stay agnostic of the bus implementation and of the retry and
// breaker machinery.
type EventDispatcher interface {
	Publish(ctx context.Context, env *model.Envelope) error
	Healthy() bool
}

type eventDispatcher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics.Set
	logger    *slog.Logger

	maxRetries uint64
	deadline   time.Duration
}

var _ EventDispatcher = (*eventDispatcher)(nil)

func NewEventDispatcher(bus *Bus, cfg *config.Config, m *metrics.Set, logger *slog.Logger) EventDispatcher {
	return &eventDispatcher{
		publisher: bus.Publisher,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "bus-publish",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("BUS_BREAKER_STATE", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics:    m,
		logger:     logger,
		maxRetries: cfg.Bus.PublishMaxRetries,
		deadline:   cfg.Bus.PublishDeadline,
	}
}

// Publish fans an envelope out to the fleet. Failures are retried with
// bounded backoff up to a short deadline, then the envelope is dropped and
// counted; there is no durable outbox. The returned error lets the caller
// fall back to local-only delivery, never to a client-visible failure.
func (d *eventDispatcher) Publish(ctx context.Context, env *model.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal envelope: %w", err)
	}

	msg := message.NewMessage(env.MessageID, payload)
	msg.SetContext(ctx)

	_, err = d.breaker.Execute(func() (any, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxElapsedTime = d.deadline

		return nil, backoff.Retry(func() error {
			return d.publisher.Publish(FabricEventsTopic, msg)
		}, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx))
	})

	if err != nil {
		d.metrics.BusPublishFailures.Inc()
		d.logger.Error("BUS_PUBLISH_FAILED",
			"msg_id", env.MessageID,
			"kind", env.Kind,
			"err", err,
		)
		return fmt.Errorf("dispatcher: publish %s: %w: %w", env.MessageID, model.ErrBusUnavailable, err)
	}
	return nil
}

// Healthy reports bus connectivity for the readiness probe: false while
// the publish breaker is open.
func (d *eventDispatcher) Healthy() bool {
	return d.breaker.State() != gobreaker.StateOpen
}
