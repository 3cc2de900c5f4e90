package service

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"github.com/wirebeam/pushfabric/internal/adapter/pubsub"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		func(hub registry.Hubber, ix *rooms.Index, dispatcher pubsub.EventDispatcher, m *metrics.Set, logger *slog.Logger, cfg *config.Config) *Fanout {
			return NewFanout(hub, ix, dispatcher, m, logger, cfg.Node.ID)
		},

		fx.Annotate(
			NewDeliveryService,
			fx.As(new(Deliverer)),
		),
		fx.Annotate(
			NewMessageService,
			fx.As(new(Messenger)),
		),
		fx.Annotate(
			func(cfg *config.Config) *JWTAuther { return NewJWTAuther(cfg.Auth.JWTSecret) },
			fx.As(new(Auther)),
		),
		fx.Annotate(
			func(cfg *config.Config) *PolicyAuthorizer { return NewPolicyAuthorizer(cfg.Rooms.Restricted) },
			fx.As(new(RoomAuthorizer)),
		),
	),

	// [DECORATION_LAYER] Intercept Messenger to add cross-cutting concerns
	fx.Decorate(func(orig Messenger, logger *slog.Logger) Messenger {
		return &MessengerMiddleware{
			Next:   orig,
			Logger: logger,
		}
	}),
)
