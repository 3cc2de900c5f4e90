// Package http hosts the node's public surface: the WebSocket endpoint,
// the readiness probe and the Prometheus scrape target.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirebeam/pushfabric/internal/adapter/pubsub"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
	"github.com/wirebeam/pushfabric/internal/handler/lp"
	"github.com/wirebeam/pushfabric/internal/handler/ws"
)

func NewRouter(
	gateway *ws.Gateway,
	poller *lp.LPHandler,
	hub registry.Hubber,
	ix *rooms.Index,
	dispatcher pubsub.EventDispatcher,
	registerer *prometheus.Registry,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/ws", gateway)
	r.Get("/poll", poller.Poll)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		hubStats := hub.Stats()
		health := model.HealthStatus{
			Status:               "ok",
			LocalConnectionCount: hubStats.TotalConnections,
			BusConnectivity:      dispatcher.Healthy(),
		}
		// Bus loss degrades delivery to node-local; the node still serves.
		if !health.BusConnectivity {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Error("HEALTHZ_ENCODE_FAILED", "err", err)
		}
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Hub   model.HubStats  `json:"hub"`
			Rooms model.RoomStats `json:"rooms"`
		}{
			Hub:   hub.Stats(),
			Rooms: ix.Stats(),
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	return r
}
