// Package lp is the fallback transport for clients that cannot hold a
// WebSocket: one authenticated long-poll request receives the next batch
// of events addressed to the identity. Polls pass the same admission
// checks as WebSocket connects and count against the same session cap.
package lp

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wirebeam/pushfabric/internal/admission"
	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	lpmarshaller "github.com/wirebeam/pushfabric/internal/handler/marshaller/lp"
	"github.com/wirebeam/pushfabric/internal/service"
)

const (
	pollTimeout = 30 * time.Second
	batchLimit  = 15
)

type LPHandler struct {
	deliverer service.Deliverer
	auther    service.Auther
	policy    *admission.Policy
	logger    *slog.Logger
}

func NewLPHandler(deliverer service.Deliverer, auther service.Auther, policy *admission.Policy, logger *slog.Logger) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
		auther:    auther,
		policy:    policy,
		logger:    logger,
	}
}

// Poll holds the request until an event arrives or the poll window ends.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	credential := r.Header.Get("Authorization")
	if credential != "" {
		credential = strings.TrimPrefix(credential, "Bearer ")
	} else {
		credential = r.URL.Query().Get("token")
	}

	identity, err := h.auther.Authenticate(r.Context(), credential)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sourceIP := pollSourceIP(r)
	if decision := h.policy.CheckConnect(r.Context(), identity, sourceIP); !decision.Allowed {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	// Temporary subscription: the connector lives only for this request
	// but occupies a session slot like any other device.
	conn, err := h.deliverer.Subscribe(r.Context(), identity, registry.ConnectMetadata{
		RemoteIP:        sourceIP,
		UserAgent:       r.UserAgent(),
		ProtocolVersion: model.ServerVersion,
	})
	if err != nil {
		if errors.Is(err, model.ErrCapacityExceeded) {
			http.Error(w, "connection limit reached", http.StatusConflict)
			return
		}
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	defer h.deliverer.Unsubscribe(identity, conn.GetID())
	defer conn.Close()

	var events []event.Eventer

	select {
	case <-r.Context().Done():
		return

	case <-conn.Done():
		return

	case <-time.After(pollTimeout):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev := <-conn.Recv():
		events = append(events, ev)

		// Drain whatever else is already buffered so one round trip
		// carries the burst.
	drainLoop:
		for range batchLimit {
			select {
			case nextEv := <-conn.Recv():
				events = append(events, nextEv)
			default:
				break drainLoop
			}
		}
	}

	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		h.logger.Error("LP_MARSHAL_FAILED", "err", err, "identity", identity)
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func pollSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
