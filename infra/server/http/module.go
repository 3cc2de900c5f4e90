package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	"github.com/wirebeam/pushfabric/config"
)

var Module = fx.Module("http-server",
	fx.Provide(NewRouter),

	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, r *chi.Mux, logger *slog.Logger) {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				ln, err := net.Listen("tcp", srv.Addr)
				if err != nil {
					return err
				}
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("HTTP_SERVE_FAILED", "err", err)
					}
				}()
				logger.Info("HTTP_LISTENING", "addr", srv.Addr)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				drainCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace)
				defer cancel()
				return srv.Shutdown(drainCtx)
			},
		})
	}),
)
