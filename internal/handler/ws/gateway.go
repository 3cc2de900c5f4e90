// Package ws terminates WebSocket sessions: handshake, admission,
// heartbeat and the single-writer pump that drains a connector mailbox
// onto the socket.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/internal/admission"
	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	wsmarshaller "github.com/wirebeam/pushfabric/internal/handler/marshaller/ws"
	"github.com/wirebeam/pushfabric/internal/service"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 << 10
)

type Gateway struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	messenger service.Messenger
	auther    service.Auther
	policy    *admission.Policy
	hub       registry.Hubber
	cfg       *config.Config
	upgrader  websocket.Upgrader
}

func NewGateway(
	logger *slog.Logger,
	deliverer service.Deliverer,
	messenger service.Messenger,
	auther service.Auther,
	policy *admission.Policy,
	hub registry.Hubber,
	cfg *config.Config,
) *Gateway {
	return &Gateway{
		logger:    logger,
		deliverer: deliverer,
		messenger: messenger,
		auther:    auther,
		policy:    policy,
		hub:       hub,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := extractCredential(r)
	sourceIP := realIP(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WS_UPGRADE_FAILED", "err", err, "remote", sourceIP)
		return
	}

	// [HANDSHAKE]
	// Authentication plus admission must finish inside one deadline;
	// a stalled handshake never holds the socket open.
	hsCtx, cancel := context.WithTimeout(r.Context(), g.cfg.Server.HandshakeDeadline)
	identity, err := g.auther.Authenticate(hsCtx, credential)
	if err != nil {
		cancel()
		g.logger.Warn("WS_AUTH_REJECTED", "err", err, "remote", sourceIP)
		closeWith(ws, model.CloseUnauthorized, "unauthorized")
		return
	}

	decision := g.policy.CheckConnect(hsCtx, identity, sourceIP)
	cancel()
	if !decision.Allowed {
		g.logger.Warn("WS_CONNECT_THROTTLED", "identity", identity, "remote", sourceIP)
		closeWith(ws, model.CloseRateLimited, "rate_limited")
		return
	}

	conn, err := g.deliverer.Subscribe(r.Context(), identity, registry.ConnectMetadata{
		RemoteIP:        sourceIP,
		UserAgent:       r.UserAgent(),
		ProtocolVersion: model.ServerVersion,
	})
	if err != nil {
		if errors.Is(err, model.ErrCapacityExceeded) {
			closeWith(ws, model.CloseCapacityExceeded, "connection limit reached")
			return
		}
		g.logger.Error("WS_SUBSCRIBE_FAILED", "err", err, "identity", identity)
		closeWith(ws, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}

	g.logger.Info("WS_OPENED",
		"identity", identity,
		"conn_id", conn.GetID(),
		"remote", sourceIP,
		"devices", g.hub.CountFor(identity),
	)

	// Welcome frame goes through the mailbox so the write pump stays the
	// only socket writer.
	conn.Send(event.New(identity, event.Connected, event.PriorityHigh, &model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		ServerVersion: model.ServerVersion,
		DeviceCount:   g.hub.CountFor(identity),
	}), g.cfg.Registry.SendTimeout)

	go g.writePump(ws, conn)
	g.readLoop(r.Context(), ws, conn, sourceIP)

	g.deliverer.Unsubscribe(identity, conn.GetID())
	conn.Close()

	g.logger.Info("WS_CLOSED", "identity", identity, "conn_id", conn.GetID(), "dropped", conn.Dropped())
}

// writePump is the single socket writer: it drains the connector mailbox
// and keeps the heartbeat ping ticking. It exits when the session ends
// or a write fails.
func (g *Gateway) writePump(ws *websocket.Conn, conn registry.Connector) {
	pingInterval := g.cfg.Server.Heartbeat / 3
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-conn.Done():
			// Registry side tore the session down; tell the client
			// before dropping the socket.
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return

		case ev := <-conn.Recv():
			data, err := wsmarshaller.MarshallEvent(ev)
			if err != nil {
				g.logger.Error("WS_MARSHAL_FAILED", "err", err, "event", ev.GetKind().String())
				continue
			}

			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames until the socket dies or goes silent
// past the heartbeat window.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn registry.Connector, sourceIP string) {
	sess := &service.Session{
		Identity: conn.GetUserID(),
		ConnID:   conn.GetID(),
		RemoteIP: sourceIP,
		Conn:     conn,
	}

	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(g.cfg.Server.Heartbeat))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(g.cfg.Server.Heartbeat))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("WS_READ_ENDED", "err", err, "conn_id", conn.GetID())
			}
			return
		}

		// Any inbound frame counts as liveness, not just pongs.
		ws.SetReadDeadline(time.Now().Add(g.cfg.Server.Heartbeat))

		frame, err := model.ParseFrame(raw)
		if err != nil {
			conn.Send(event.New(conn.GetUserID(), event.Fault, event.PriorityHigh, &model.ErrorPayload{
				Code:    model.CloseBadFrame,
				Message: "malformed frame",
			}), g.cfg.Registry.SendTimeout)
			continue
		}

		g.messenger.HandleFrame(ctx, sess, frame)
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}

// extractCredential accepts the bearer token from the Authorization header
// or, for browser clients that cannot set headers on WebSocket dials, the
// "token" query parameter.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// realIP trusts the first hop of X-Forwarded-For when present, falling
// back to the peer address.
func realIP(r *http.Request) string {
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

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true // non-browser client
		}
		_, ok := set[origin]
		return ok
	}
}
