package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"
)

var Module = fx.Module("bus-handler",
	fx.Provide(
		NewConsumer,
		NewWatermillRouter,
	),

	fx.Invoke(RegisterHandlers),

	fx.Invoke(func(lc fx.Lifecycle, router *message.Router) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					// Run blocks for the router's lifetime; shutdown goes
					// through router.Close in OnStop.
					_ = router.Run(context.Background())
				}()
				select {
				case <-router.Running():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			OnStop: func(context.Context) error {
				return router.Close()
			},
		})
	}),
)
