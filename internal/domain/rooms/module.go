package rooms

import (
	"context"
	"log/slog"
	"time"

	"github.com/wirebeam/pushfabric/config"
	"go.uber.org/fx"
)

var Module = fx.Module("rooms",
	fx.Provide(
		func(cfg *config.Config) *Index {
			return NewIndex(WithGracePeriod(cfg.Rooms.GracePeriod))
		},
	),

	// [JANITOR] Reclaim rooms that stayed empty past the grace period.
	fx.Invoke(func(lc fx.Lifecycle, ix *Index, logger *slog.Logger) {
		ctx, cancel := context.WithCancel(context.Background())

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go janitor(ctx, ix, logger)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)

func janitor(ctx context.Context, ix *Index, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := ix.Sweep(now); evicted > 0 {
				logger.Debug("ROOMS_SWEPT", "evicted", evicted)
			}
		}
	}
}
