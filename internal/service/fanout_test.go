package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebeam/pushfabric/infra/metrics"
	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type stubDispatcher struct {
	fail      bool
	published []*model.Envelope
}

func (d *stubDispatcher) Publish(_ context.Context, env *model.Envelope) error {
	if d.fail {
		return model.ErrBusUnavailable
	}
	d.published = append(d.published, env)
	return nil
}

func (d *stubDispatcher) Healthy() bool { return !d.fail }

type fanoutFixture struct {
	hub        *registry.Hub
	rooms      *rooms.Index
	dispatcher *stubDispatcher
	fanout     *Fanout
}

func newFanoutFixture(t *testing.T) *fanoutFixture {
	t.Helper()

	hub := registry.NewHub()
	t.Cleanup(hub.Shutdown)

	ix := rooms.NewIndex()
	d := &stubDispatcher{}
	m := metrics.New(prometheus.NewRegistry())

	return &fanoutFixture{
		hub:        hub,
		rooms:      ix,
		dispatcher: d,
		fanout:     NewFanout(hub, ix, d, m, testLogger(), "node-test"),
	}
}

func (f *fanoutFixture) connect(t *testing.T, identity uuid.UUID) registry.Connector {
	t.Helper()
	conn := registry.NewConnector(context.Background(), identity, 16, registry.ConnectMetadata{})
	_, err := f.hub.Register(conn)
	require.NoError(t, err)
	return conn
}

func expectEvent(t *testing.T, conn registry.Connector) event.Eventer {
	t.Helper()
	select {
	case ev := <-conn.Recv():
		return ev
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected an event, got none")
		return nil
	}
}

func expectSilence(t *testing.T, conn registry.Connector) {
	t.Helper()
	select {
	case ev := <-conn.Recv():
		t.Fatalf("expected no event, got %s", ev.GetKind())
	case <-time.After(100 * time.Millisecond):
	}
}

func roomEnvelope(t *testing.T, from uuid.UUID, roomID, body string) *model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(
		model.EnvelopeMessage,
		model.Target{Scope: model.ScopeRoom, Room: roomID},
		from,
		"node-test",
		&model.MessagePayload{RoomID: roomID, Body: body},
	)
	require.NoError(t, err)
	return env
}

func TestFanoutRoomScopeReachesMembersOnly(t *testing.T) {
	f := newFanoutFixture(t)
	sender, member, outsider := uuid.New(), uuid.New(), uuid.New()

	senderConn := f.connect(t, sender)
	memberConn := f.connect(t, member)
	outsiderConn := f.connect(t, outsider)

	f.rooms.Join(sender, "lobby")
	f.rooms.Join(member, "lobby")

	env := roomEnvelope(t, sender, "lobby", "hello")
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	// Sender and member receive exactly once; the outsider never does.
	for _, conn := range []registry.Connector{senderConn, memberConn} {
		ev := expectEvent(t, conn)
		msg, ok := ev.GetPayload().(*model.RoomMessage)
		require.True(t, ok)
		assert.Equal(t, "hello", msg.Body)
		assert.Equal(t, "lobby", msg.RoomID)
		assert.Equal(t, sender, msg.From)
		assert.Equal(t, env.MessageID, ev.GetID())
		expectSilence(t, conn)
	}
	expectSilence(t, outsiderConn)
}

func TestFanoutIdentityScope(t *testing.T) {
	f := newFanoutFixture(t)
	from, to := uuid.New(), uuid.New()
	toConn := f.connect(t, to)

	env, err := model.NewEnvelope(
		model.EnvelopeMessage,
		model.Target{Scope: model.ScopeIdentity, Identity: to},
		from,
		"node-test",
		&model.MessagePayload{Body: "psst"},
	)
	require.NoError(t, err)
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	ev := expectEvent(t, toConn)
	dm, ok := ev.GetPayload().(*model.DirectMessage)
	require.True(t, ok)
	assert.Equal(t, "psst", dm.Body)
	assert.Equal(t, from, dm.From)
}

func TestFanoutIdentityScopeNotLocalIsNoop(t *testing.T) {
	f := newFanoutFixture(t)

	env, err := model.NewEnvelope(
		model.EnvelopeMessage,
		model.Target{Scope: model.ScopeIdentity, Identity: uuid.New()},
		uuid.New(),
		"node-other",
		&model.MessagePayload{Body: "psst"},
	)
	require.NoError(t, err)
	assert.NoError(t, f.fanout.Deliver(context.Background(), env))
}

func TestFanoutBroadcastScope(t *testing.T) {
	f := newFanoutFixture(t)
	a := f.connect(t, uuid.New())
	b := f.connect(t, uuid.New())

	env, err := model.NewEnvelope(
		model.EnvelopeMessage,
		model.Target{Scope: model.ScopeBroadcast},
		uuid.New(),
		"node-test",
		&model.MessagePayload{Body: "maintenance at noon"},
	)
	require.NoError(t, err)
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	expectEvent(t, a)
	expectEvent(t, b)
}

func TestFanoutTypingIsLowPriority(t *testing.T) {
	f := newFanoutFixture(t)
	sender, member := uuid.New(), uuid.New()
	memberConn := f.connect(t, member)
	f.rooms.Join(sender, "lobby")
	f.rooms.Join(member, "lobby")

	env, err := model.NewEnvelope(
		model.EnvelopeTyping,
		model.Target{Scope: model.ScopeRoom, Room: "lobby"},
		sender,
		"node-test",
		&model.MessagePayload{RoomID: "lobby"},
	)
	require.NoError(t, err)
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	ev := expectEvent(t, memberConn)
	assert.Equal(t, event.PriorityLow, ev.GetPriority())
	typing, ok := ev.GetPayload().(*model.Typing)
	require.True(t, ok)
	assert.Equal(t, sender, typing.Identity)
}

func TestFanoutMembershipEchoIsIdempotent(t *testing.T) {
	f := newFanoutFixture(t)
	alice, bob := uuid.New(), uuid.New()
	bobConn := f.connect(t, bob)
	f.rooms.Join(bob, "lobby")

	env, err := model.NewEnvelope(
		model.EnvelopeMembership,
		model.Target{Scope: model.ScopeRoom, Room: "lobby"},
		alice,
		"node-other",
		&model.MembershipPayload{Identity: alice, RoomID: "lobby", Joined: true},
	)
	require.NoError(t, err)

	require.NoError(t, f.fanout.Deliver(context.Background(), env))
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	assert.Len(t, f.rooms.MembersOf("lobby"), 2)

	// Bob is told about the join; the duplicate echo re-notifies but never
	// double-registers.
	ev := expectEvent(t, bobConn)
	presence, ok := ev.GetPayload().(*model.Presence)
	require.True(t, ok)
	assert.Equal(t, alice, presence.Identity)
	assert.True(t, presence.Online)
}

func TestFanoutPresenceOfflineEvictsRemoteMembership(t *testing.T) {
	f := newFanoutFixture(t)
	alice, bob := uuid.New(), uuid.New()
	bobConn := f.connect(t, bob)

	// Alice's membership is known locally but her connection lives on
	// another node.
	f.rooms.Join(alice, "lobby")
	f.rooms.Join(bob, "lobby")

	env, err := model.NewEnvelope(
		model.EnvelopePresence,
		model.Target{Scope: model.ScopeBroadcast},
		alice,
		"node-other",
		&model.PresencePayload{Identity: alice, Online: false, Rooms: []string{"lobby"}},
	)
	require.NoError(t, err)
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	ev := expectEvent(t, bobConn)
	presence, ok := ev.GetPayload().(*model.Presence)
	require.True(t, ok)
	assert.Equal(t, alice, presence.Identity)
	assert.False(t, presence.Online)

	assert.False(t, f.rooms.IsMember(alice, "lobby"))
	assert.True(t, f.rooms.IsMember(bob, "lobby"))
}

func TestFanoutPresenceOfflineKeepsLocallyConnectedIdentity(t *testing.T) {
	f := newFanoutFixture(t)
	alice, bob := uuid.New(), uuid.New()

	// Alice also holds a device on this node: the offline echo from the
	// other node must not tear down her local membership.
	f.connect(t, alice)
	f.connect(t, bob)
	f.rooms.Join(alice, "lobby")
	f.rooms.Join(bob, "lobby")

	env, err := model.NewEnvelope(
		model.EnvelopePresence,
		model.Target{Scope: model.ScopeBroadcast},
		alice,
		"node-other",
		&model.PresencePayload{Identity: alice, Online: false, Rooms: []string{"lobby"}},
	)
	require.NoError(t, err)
	require.NoError(t, f.fanout.Deliver(context.Background(), env))

	assert.True(t, f.rooms.IsMember(alice, "lobby"))
}

func TestFanoutPublishFallsBackToLocalDelivery(t *testing.T) {
	f := newFanoutFixture(t)
	f.dispatcher.fail = true

	sender, member := uuid.New(), uuid.New()
	memberConn := f.connect(t, member)
	f.rooms.Join(sender, "lobby")
	f.rooms.Join(member, "lobby")

	// Bus down: same-node members still receive the message.
	f.fanout.Publish(context.Background(), roomEnvelope(t, sender, "lobby", "still here"))

	ev := expectEvent(t, memberConn)
	msg, ok := ev.GetPayload().(*model.RoomMessage)
	require.True(t, ok)
	assert.Equal(t, "still here", msg.Body)
}
