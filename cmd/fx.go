package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	httpsrv "github.com/wirebeam/pushfabric/infra/server/http"
	"github.com/wirebeam/pushfabric/internal/adapter/pubsub"
	"github.com/wirebeam/pushfabric/internal/admission"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
	bushandler "github.com/wirebeam/pushfabric/internal/handler/bus"
	lphandler "github.com/wirebeam/pushfabric/internal/handler/lp"
	wshandler "github.com/wirebeam/pushfabric/internal/handler/ws"
	"github.com/wirebeam/pushfabric/internal/service"
)

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(
		"service", ServiceName,
		"node_id", cfg.Node.ID,
	)
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),

		metrics.Module,
		admission.Module,
		registry.Module,
		rooms.Module,
		pubsub.Module,
		service.Module,
		bushandler.Module,
		lphandler.Module,
		wshandler.Module,
		httpsrv.Module,
	)
}
