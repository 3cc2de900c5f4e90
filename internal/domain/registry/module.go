package registry

import (
	"context"
	"time"

	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"go.uber.org/fx"
)

// closeFrameGrace bounds how long shutdown waits for the transport pumps
// to flush their close frames after the connectors are closed.
const closeFrameGrace = 500 * time.Millisecond

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config, m *metrics.Set) *Hub {
			return NewHub(
				WithMailboxSize(cfg.Registry.MailboxSize),
				WithSendTimeout(cfg.Registry.SendTimeout),
				WithMaxSessionsPerIdentity(cfg.Limits.MaxConnectionsPerIdentity),
				WithDropCounter(m.MessagesDropped.Inc),
			)
		},
		func(h *Hub) Hubber { return h },
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown()
				select {
				case <-time.After(closeFrameGrace):
				case <-ctx.Done():
				}
				return nil
			},
		})
	}),
)
