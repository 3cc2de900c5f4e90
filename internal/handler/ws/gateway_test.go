package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"github.com/wirebeam/pushfabric/internal/adapter/pubsub"
	"github.com/wirebeam/pushfabric/internal/admission"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
	"github.com/wirebeam/pushfabric/internal/handler/bus"
	"github.com/wirebeam/pushfabric/internal/service"
)

const testSecret = "gateway-test-secret"

type fabricNode struct {
	server   *httptest.Server
	hub      *registry.Hub
	rooms    *rooms.Index
	breakBus func()
}

// newFabricNode assembles one full node over the in-process bus driver,
// the same wiring the fx app performs.
func newFabricNode(t *testing.T, mutate func(*config.Config)) *fabricNode {
	t.Helper()

	cfg := &config.Config{}
	cfg.Node.ID = "node-test"
	cfg.Server.Heartbeat = 90 * time.Second
	cfg.Server.HandshakeDeadline = 5 * time.Second
	cfg.Bus.Driver = "channel"
	cfg.Bus.PublishMaxRetries = 1
	cfg.Bus.PublishDeadline = 100 * time.Millisecond
	cfg.Limits.MaxConnectionsPerIdentity = 5
	cfg.Limits.ConnectCapacity = 1000
	cfg.Limits.ConnectWindow = time.Hour
	cfg.Limits.MessageCapacity = 1000
	cfg.Limits.MessageWindow = time.Minute
	cfg.Limits.BucketCacheSize = 1024
	cfg.Auth.JWTSecret = testSecret
	cfg.Registry.MailboxSize = 256
	cfg.Registry.SessionBuffer = 64
	cfg.Registry.SendTimeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	wlogger := watermill.NewSlogLogger(logger)

	m := metrics.New(prometheus.NewRegistry())

	hub := registry.NewHub(
		registry.WithMailboxSize(cfg.Registry.MailboxSize),
		registry.WithSendTimeout(cfg.Registry.SendTimeout),
		registry.WithMaxSessionsPerIdentity(cfg.Limits.MaxConnectionsPerIdentity),
	)
	t.Cleanup(hub.Shutdown)

	ix := rooms.NewIndex(rooms.WithGracePeriod(time.Minute))

	wmBus, err := pubsub.NewBus(cfg, wlogger)
	require.NoError(t, err)
	t.Cleanup(func() { wmBus.Publisher.Close() })

	dispatcher := pubsub.NewEventDispatcher(wmBus, cfg, m, logger)
	fanout := service.NewFanout(hub, ix, dispatcher, m, logger, cfg.Node.ID)

	policy := admission.NewPolicyFromConfig(cfg, m, logger)
	auther := service.NewJWTAuther(cfg.Auth.JWTSecret)
	authorizer := service.NewPolicyAuthorizer(cfg.Rooms.Restricted)
	messenger := service.NewMessageService(ix, fanout, policy, authorizer, cfg, logger)
	deliverer := service.NewDeliveryService(hub, ix, fanout, cfg, m)

	router, err := bus.NewWatermillRouter(wlogger)
	require.NoError(t, err)
	consumer := bus.NewConsumer(fanout, logger)
	require.NoError(t, bus.RegisterHandlers(router, wmBus, consumer))

	runCtx, cancelRun := context.WithCancel(context.Background())
	go router.Run(runCtx)
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("bus router did not start")
	}
	t.Cleanup(func() {
		cancelRun()
		router.Close()
	})

	gateway := NewGateway(logger, deliverer, messenger, auther, policy, hub, cfg)
	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)

	return &fabricNode{
		server:   srv,
		hub:      hub,
		rooms:    ix,
		breakBus: func() { wmBus.Publisher.Close() },
	}
}

func (n *fabricNode) wsURL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

func mintToken(t *testing.T, identity uuid.UUID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   identity.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// dial connects, consumes the welcome frame and returns the socket.
func dial(t *testing.T, n *fabricNode, identity uuid.UUID) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(n.wsURL()+"?token="+mintToken(t, identity), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	frame := readFrame(t, ws)
	require.Equal(t, model.FrameConnected, frame.Type)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *model.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := model.ParseFrame(raw)
	require.NoError(t, err)
	return frame
}

// readSkippingPresence reads until a non-presence frame arrives. Presence
// frames interleave nondeterministically with message delivery.
func readSkippingPresence(t *testing.T, ws *websocket.Conn) *model.Frame {
	t.Helper()
	for range 10 {
		frame := readFrame(t, ws)
		if frame.Type != model.FrameUserOnline && frame.Type != model.FrameUserOffline {
			return frame
		}
	}
	t.Fatal("only presence frames received")
	return nil
}

// waitForMembers blocks until this node's index sees the room at the
// expected size, proving the membership echoes have been consumed.
func waitForMembers(t *testing.T, n *fabricNode, roomID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.rooms.MembersOf(roomID)) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func writeFrame(t *testing.T, ws *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(model.Frame{Type: frameType, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestGatewayRejectsBadToken(t *testing.T) {
	n := newFabricNode(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(n.wsURL()+"?token=bogus", nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, model.CloseUnauthorized, closeErr.Code)
}

func TestGatewayWelcomeFrame(t *testing.T) {
	n := newFabricNode(t, nil)
	identity := uuid.New()

	ws, _, err := websocket.DefaultDialer.Dial(n.wsURL()+"?token="+mintToken(t, identity), nil)
	require.NoError(t, err)
	defer ws.Close()

	frame := readFrame(t, ws)
	require.Equal(t, model.FrameConnected, frame.Type)

	var welcome model.ConnectedPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &welcome))
	assert.True(t, welcome.Ok)
	assert.NotEmpty(t, welcome.ConnectionID)
	assert.Equal(t, model.ServerVersion, welcome.ServerVersion)
	assert.Equal(t, 1, welcome.DeviceCount)
}

func TestGatewayRoomMessageDelivery(t *testing.T) {
	n := newFabricNode(t, nil)
	alice, bob, eve := uuid.New(), uuid.New(), uuid.New()

	aliceWS := dial(t, n, alice)
	bobWS := dial(t, n, bob)
	eveWS := dial(t, n, eve)

	writeFrame(t, aliceWS, model.FrameJoinRoom, model.RoomRef{RoomID: "lobby"})
	writeFrame(t, bobWS, model.FrameJoinRoom, model.RoomRef{RoomID: "lobby"})
	waitForMembers(t, n, "lobby", 2)

	writeFrame(t, aliceWS, model.FrameRoomMessage, model.RoomMessageIn{RoomID: "lobby", Body: "hello fabric"})

	// Bob receives exactly one copy.
	got := readSkippingPresence(t, bobWS)
	require.Equal(t, model.FrameRoomMessage, got.Type)

	var msg model.RoomMessage
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	assert.Equal(t, "hello fabric", msg.Body)
	assert.Equal(t, alice, msg.From)
	assert.Equal(t, "lobby", msg.RoomID)

	// The sender gets its own copy through the bus echo.
	echo := readSkippingPresence(t, aliceWS)
	require.Equal(t, model.FrameRoomMessage, echo.Type)

	// The non-member sees nothing.
	eveWS.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := eveWS.ReadMessage()
	assert.Error(t, err)
}

func TestGatewaySessionCapRefusesSixthDevice(t *testing.T) {
	n := newFabricNode(t, nil)
	identity := uuid.New()

	for range 5 {
		dial(t, n, identity)
	}
	require.Equal(t, 5, n.hub.CountFor(identity))

	ws, _, err := websocket.DefaultDialer.Dial(n.wsURL()+"?token="+mintToken(t, identity), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, model.CloseCapacityExceeded, closeErr.Code)

	// The original five stay registered.
	assert.Equal(t, 5, n.hub.CountFor(identity))
}

func TestGatewayConnectRateLimit(t *testing.T) {
	n := newFabricNode(t, func(cfg *config.Config) {
		cfg.Limits.ConnectCapacity = 2
	})
	identity := uuid.New()

	dial(t, n, identity)
	dial(t, n, identity)

	ws, _, err := websocket.DefaultDialer.Dial(n.wsURL()+"?token="+mintToken(t, identity), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, model.CloseRateLimited, closeErr.Code)
}

func TestGatewayBusOutageKeepsConnectionsAlive(t *testing.T) {
	n := newFabricNode(t, nil)
	alice, bob := uuid.New(), uuid.New()

	aliceWS := dial(t, n, alice)
	bobWS := dial(t, n, bob)

	writeFrame(t, aliceWS, model.FrameJoinRoom, model.RoomRef{RoomID: "lobby"})
	writeFrame(t, bobWS, model.FrameJoinRoom, model.RoomRef{RoomID: "lobby"})
	waitForMembers(t, n, "lobby", 2)

	n.breakBus()

	// Publishing over the dead bus degrades to same-node delivery; the
	// connection is never closed.
	writeFrame(t, aliceWS, model.FrameRoomMessage, model.RoomMessageIn{RoomID: "lobby", Body: "still works"})

	got := readSkippingPresence(t, bobWS)
	require.Equal(t, model.FrameRoomMessage, got.Type)

	var msg model.RoomMessage
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	assert.Equal(t, "still works", msg.Body)
}

func TestGatewayMalformedFrameGetsErrorNotDisconnect(t *testing.T) {
	n := newFabricNode(t, nil)
	ws := dial(t, n, uuid.New())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, ws)
	require.Equal(t, model.FrameError, frame.Type)

	var errPayload model.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &errPayload))
	assert.Equal(t, model.CloseBadFrame, errPayload.Code)

	// The session is still usable.
	writeFrame(t, ws, model.FramePing, nil)
	pong := readFrame(t, ws)
	assert.Equal(t, model.FramePong, pong.Type)
}

func TestGatewayJoinThenImmediatePublish(t *testing.T) {
	n := newFabricNode(t, nil)
	alice := uuid.New()

	aliceWS := dial(t, n, alice)

	// No convergence barrier: the join is applied to the local index
	// before its echo is published, so a message sent in the very next
	// frame already finds the sender in the room.
	writeFrame(t, aliceWS, model.FrameJoinRoom, model.RoomRef{RoomID: "lobby"})
	writeFrame(t, aliceWS, model.FrameRoomMessage, model.RoomMessageIn{RoomID: "lobby", Body: "first"})

	got := readSkippingPresence(t, aliceWS)
	require.Equal(t, model.FrameRoomMessage, got.Type)

	var msg model.RoomMessage
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	assert.Equal(t, "first", msg.Body)
	assert.Equal(t, alice, msg.From)
}

func TestGatewayShutdownSendsCloseFrame(t *testing.T) {
	n := newFabricNode(t, nil)
	ws := dial(t, n, uuid.New())

	n.hub.Shutdown()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
