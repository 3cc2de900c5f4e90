package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"github.com/wirebeam/pushfabric/internal/adapter/pubsub"
	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
)

// Fanout is the delivery dispatcher's business half: it resolves envelope
// targets against the local connection registry and membership index, and
// writes only to locally-held sessions. The bus handler feeds it consumed
// envelopes; publishers fall back to it when the bus is unreachable so a
// bus outage degrades to intra-process delivery instead of total failure.
type Fanout struct {
	hub        registry.Hubber
	rooms      *rooms.Index
	dispatcher pubsub.EventDispatcher
	metrics    *metrics.Set
	logger     *slog.Logger
	nodeID     string
}

func NewFanout(hub registry.Hubber, ix *rooms.Index, dispatcher pubsub.EventDispatcher, m *metrics.Set, logger *slog.Logger, nodeID string) *Fanout {
	return &Fanout{
		hub:        hub,
		rooms:      ix,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		nodeID:     nodeID,
	}
}

// Publish sends an envelope to the fleet. On bus failure the envelope is
// still delivered to this node's own connections; the failure has already
// been counted by the dispatcher and is never surfaced to the client.
func (f *Fanout) Publish(ctx context.Context, env *model.Envelope) {
	if err := f.dispatcher.Publish(ctx, env); err != nil {
		f.logger.Warn("BUS_DEGRADED_LOCAL_DELIVERY", "msg_id", env.MessageID, "kind", env.Kind)
		if derr := f.Deliver(ctx, env); derr != nil {
			f.logger.Error("LOCAL_FALLBACK_FAILED", "msg_id", env.MessageID, "err", derr)
		}
	}
}

// PublishPresence emits a best-effort user_online/user_offline envelope.
func (f *Fanout) PublishPresence(ctx context.Context, identity uuid.UUID, online bool, roomsLeft []string) {
	env, err := model.NewEnvelope(
		model.EnvelopePresence,
		model.Target{Scope: model.ScopeBroadcast},
		identity,
		f.nodeID,
		&model.PresencePayload{Identity: identity, Online: online, Rooms: roomsLeft},
	)
	if err != nil {
		f.logger.Error("PRESENCE_ENVELOPE_FAILED", "identity", identity, "err", err)
		return
	}
	f.Publish(ctx, env)
}

// Deliver consumes one envelope on this node. Every node in the fleet runs
// the same resolution; a node holding no matching connection no-ops.
func (f *Fanout) Deliver(ctx context.Context, env *model.Envelope) error {
	switch env.Kind {
	case model.EnvelopeMessage, model.EnvelopeTyping:
		return f.deliverMessage(env)
	case model.EnvelopePresence:
		return f.deliverPresence(env)
	case model.EnvelopeMembership:
		return f.applyMembership(env)
	default:
		return fmt.Errorf("fanout: unknown envelope kind %q", env.Kind)
	}
}

func (f *Fanout) deliverMessage(env *model.Envelope) error {
	var body model.MessagePayload
	if err := env.DecodePayload(&body); err != nil {
		return err
	}

	switch env.Target.Scope {
	case model.ScopeBroadcast:
		for _, identity := range f.hub.Identities() {
			f.push(f.messageEvent(env, &body, identity))
		}

	case model.ScopeIdentity:
		// No local connection means another node owns delivery.
		if !f.hub.IsConnected(env.Target.Identity) {
			return nil
		}
		f.push(f.messageEvent(env, &body, env.Target.Identity))

	case model.ScopeRoom:
		for _, member := range f.rooms.MembersOf(env.Target.Room) {
			if !f.hub.IsConnected(member) {
				continue
			}
			f.push(f.messageEvent(env, &body, member))
		}

	default:
		return fmt.Errorf("fanout: unknown target scope %q", env.Target.Scope)
	}
	return nil
}

// messageEvent builds the per-recipient delivery event. The recipient is
// the physical routing key; the payload carries the business sender.
func (f *Fanout) messageEvent(env *model.Envelope, body *model.MessagePayload, recipient uuid.UUID) event.Eventer {
	if env.Kind == model.EnvelopeTyping {
		return event.WithID(env.MessageID, recipient, event.TypingObserved, event.PriorityLow, &model.Typing{
			RoomID:   body.RoomID,
			Identity: env.From,
		})
	}

	if env.Target.Scope == model.ScopeIdentity {
		return event.WithID(env.MessageID, recipient, event.MessageDelivered, event.PriorityHigh, &model.DirectMessage{
			Body: body.Body,
			From: env.From,
		})
	}

	return event.WithID(env.MessageID, recipient, event.MessageDelivered, event.PriorityHigh, &model.RoomMessage{
		RoomID: body.RoomID,
		Body:   body.Body,
		From:   env.From,
	})
}

// deliverPresence notifies local members of every room the identity
// occupies. On an offline event from another node, the identity's local
// membership is evicted too, unless this node still holds a connection
// for it (multi-device across nodes).
func (f *Fanout) deliverPresence(env *model.Envelope) error {
	var p model.PresencePayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	roomIDs := p.Rooms
	if len(roomIDs) == 0 {
		roomIDs = f.rooms.RoomsOf(p.Identity)
	}

	kind := event.PresenceChanged
	notified := make(map[uuid.UUID]struct{})
	for _, roomID := range roomIDs {
		for _, member := range f.rooms.MembersOf(roomID) {
			if member == p.Identity {
				continue
			}
			if _, seen := notified[member]; seen {
				continue
			}
			notified[member] = struct{}{}
			if !f.hub.IsConnected(member) {
				continue
			}
			f.push(event.WithID(env.MessageID, member, kind, event.PriorityNormal, &model.Presence{
				Identity: p.Identity,
				RoomID:   roomID,
				Online:   p.Online,
			}))
		}
	}

	if !p.Online && !f.hub.IsConnected(p.Identity) {
		f.rooms.LeaveAll(p.Identity)
	}
	return nil
}

// applyMembership converges the local index with a join/leave observed
// anywhere in the fleet, then tells local room members. Idempotent, so the
// publisher's own echo is harmless.
func (f *Fanout) applyMembership(env *model.Envelope) error {
	var m model.MembershipPayload
	if err := env.DecodePayload(&m); err != nil {
		return err
	}

	if m.Joined {
		f.rooms.Join(m.Identity, m.RoomID)
	} else {
		f.rooms.Leave(m.Identity, m.RoomID)
	}

	for _, member := range f.rooms.MembersOf(m.RoomID) {
		if member == m.Identity || !f.hub.IsConnected(member) {
			continue
		}
		f.push(event.WithID(env.MessageID, member, event.PresenceChanged, event.PriorityNormal, &model.Presence{
			Identity: m.Identity,
			RoomID:   m.RoomID,
			Online:   m.Joined,
		}))
	}
	return nil
}

func (f *Fanout) push(ev event.Eventer) {
	if f.hub.Broadcast(ev) {
		f.metrics.MessagesDelivered.Inc()
	}
}
