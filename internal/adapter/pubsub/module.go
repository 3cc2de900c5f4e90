package pubsub

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("pubsub",
	fx.Provide(
		NewBus,
		NewEventDispatcher,
	),

	fx.Invoke(func(lc fx.Lifecycle, bus *Bus) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if err := bus.Publisher.Close(); err != nil {
					return err
				}
				return bus.Subscriber.Close()
			},
		})
	}),
)
