package service

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/internal/admission"
	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
)

// Session is the gateway-side view of one active connection handed to the
// messenger with every inbound frame.
type Session struct {
	Identity uuid.UUID
	ConnID   uuid.UUID
	RemoteIP string
	Conn     registry.Connector
}

// Messenger routes inbound client frames: liveness, room membership and
// message publication. Every failure an individual frame can cause is
// answered with an error frame on the same connection, never a disconnect.
type Messenger interface {
	HandleFrame(ctx context.Context, sess *Session, frame *model.Frame)
}

type MessageService struct {
	rooms      *rooms.Index
	fanout     *Fanout
	policy     *admission.Policy
	authorizer RoomAuthorizer
	logger     *slog.Logger
	nodeID     string
}

var _ Messenger = (*MessageService)(nil)

func NewMessageService(ix *rooms.Index, fanout *Fanout, policy *admission.Policy, authorizer RoomAuthorizer, cfg *config.Config, logger *slog.Logger) *MessageService {
	return &MessageService{
		rooms:      ix,
		fanout:     fanout,
		policy:     policy,
		authorizer: authorizer,
		logger:     logger,
		nodeID:     cfg.Node.ID,
	}
}

func (s *MessageService) HandleFrame(ctx context.Context, sess *Session, frame *model.Frame) {
	switch frame.Type {
	case model.FramePing:
		s.reply(sess, event.New(sess.Identity, event.Pong, event.PriorityHigh, &model.Pong{}))

	case model.FramePong:
		// Liveness handled at the transport layer.

	case model.FrameJoinRoom:
		s.handleJoin(ctx, sess, frame)

	case model.FrameLeaveRoom:
		s.handleLeave(ctx, sess, frame)

	case model.FrameRoomMessage:
		s.handleRoomMessage(ctx, sess, frame)

	case model.FrameDirectMessage:
		s.handleDirectMessage(ctx, sess, frame)

	case model.FrameTyping:
		s.handleTyping(ctx, sess, frame)

	default:
		s.fault(sess, model.CloseBadFrame, "unknown frame type: "+frame.Type, 0)
	}
}

func (s *MessageService) handleJoin(ctx context.Context, sess *Session, frame *model.Frame) {
	var ref model.RoomRef
	if err := frame.DecodePayload(&ref); err != nil || ref.RoomID == "" {
		s.fault(sess, model.CloseBadFrame, "room_id required", 0)
		return
	}

	if !s.authorizer.CanJoin(ctx, sess.Identity, ref.RoomID) {
		s.logger.Warn("ROOM_JOIN_DENIED", "identity", sess.Identity, "room", ref.RoomID)
		s.fault(sess, model.CloseNotAuthorizedForRoom, "not authorized for room", 0)
		return
	}

	// Apply locally before publishing: the joiner's own next message must
	// not race against its echoed membership event.
	s.rooms.Join(sess.Identity, ref.RoomID)

	s.publishMembership(ctx, sess.Identity, ref.RoomID, true)
}

func (s *MessageService) handleLeave(ctx context.Context, sess *Session, frame *model.Frame) {
	var ref model.RoomRef
	if err := frame.DecodePayload(&ref); err != nil || ref.RoomID == "" {
		s.fault(sess, model.CloseBadFrame, "room_id required", 0)
		return
	}

	s.rooms.Leave(sess.Identity, ref.RoomID)
	s.publishMembership(ctx, sess.Identity, ref.RoomID, false)
}

func (s *MessageService) handleRoomMessage(ctx context.Context, sess *Session, frame *model.Frame) {
	var in model.RoomMessageIn
	if err := frame.DecodePayload(&in); err != nil || in.RoomID == "" {
		s.fault(sess, model.CloseBadFrame, "room_id required", 0)
		return
	}

	if !s.admitMessage(ctx, sess) {
		return
	}

	if !s.rooms.Known(in.RoomID) {
		s.fault(sess, model.CloseRoomNotFound, "room not found", 0)
		return
	}
	if !s.rooms.IsMember(sess.Identity, in.RoomID) {
		s.fault(sess, model.CloseNotAuthorizedForRoom, "join the room first", 0)
		return
	}

	env, err := model.NewEnvelope(
		model.EnvelopeMessage,
		model.Target{Scope: model.ScopeRoom, Room: in.RoomID},
		sess.Identity,
		s.nodeID,
		&model.MessagePayload{RoomID: in.RoomID, Body: in.Body},
	)
	if err != nil {
		s.logger.Error("ENVELOPE_BUILD_FAILED", "err", err)
		return
	}
	s.fanout.Publish(ctx, env)
}

func (s *MessageService) handleDirectMessage(ctx context.Context, sess *Session, frame *model.Frame) {
	var in model.DirectMessageIn
	if err := frame.DecodePayload(&in); err != nil {
		s.fault(sess, model.CloseBadFrame, "to_identity required", 0)
		return
	}
	to, err := uuid.Parse(in.ToIdentity)
	if err != nil {
		s.fault(sess, model.CloseBadFrame, "to_identity must be an identity", 0)
		return
	}

	if !s.admitMessage(ctx, sess) {
		return
	}

	env, err := model.NewEnvelope(
		model.EnvelopeMessage,
		model.Target{Scope: model.ScopeIdentity, Identity: to},
		sess.Identity,
		s.nodeID,
		&model.MessagePayload{Body: in.Body},
	)
	if err != nil {
		s.logger.Error("ENVELOPE_BUILD_FAILED", "err", err)
		return
	}
	s.fanout.Publish(ctx, env)
}

func (s *MessageService) handleTyping(ctx context.Context, sess *Session, frame *model.Frame) {
	var in model.RoomMessageIn
	if err := frame.DecodePayload(&in); err != nil || in.RoomID == "" {
		return // transient signal, not worth an error frame
	}

	if !s.rooms.IsMember(sess.Identity, in.RoomID) {
		return
	}
	if !s.admitMessage(ctx, sess) {
		return
	}

	env, err := model.NewEnvelope(
		model.EnvelopeTyping,
		model.Target{Scope: model.ScopeRoom, Room: in.RoomID},
		sess.Identity,
		s.nodeID,
		&model.MessagePayload{RoomID: in.RoomID},
	)
	if err != nil {
		return
	}
	s.fanout.Publish(ctx, env)
}

// admitMessage re-runs the admission controller for one inbound frame.
// A denial answers with a coarse backoff hint; the connection stays open.
func (s *MessageService) admitMessage(ctx context.Context, sess *Session) bool {
	dec := s.policy.CheckMessage(ctx, sess.Identity, sess.RemoteIP)
	if dec.Allowed {
		return true
	}

	s.fault(sess, model.CloseRateLimited, "rate limited", dec.RetryAfter)
	return false
}

func (s *MessageService) publishMembership(ctx context.Context, identity uuid.UUID, roomID string, joined bool) {
	env, err := model.NewEnvelope(
		model.EnvelopeMembership,
		model.Target{Scope: model.ScopeRoom, Room: roomID},
		identity,
		s.nodeID,
		&model.MembershipPayload{Identity: identity, RoomID: roomID, Joined: joined},
	)
	if err != nil {
		s.logger.Error("ENVELOPE_BUILD_FAILED", "err", err)
		return
	}
	s.fanout.Publish(ctx, env)
}

func (s *MessageService) reply(sess *Session, ev event.Eventer) {
	sess.Conn.Send(ev, time.Second)
}

func (s *MessageService) fault(sess *Session, code int, msg string, retryAfter time.Duration) {
	payload := &model.ErrorPayload{Code: code, Message: msg}
	if retryAfter > 0 {
		payload.RetryAfterSeconds = int(math.Ceil(retryAfter.Seconds()))
	}
	s.reply(sess, event.New(sess.Identity, event.Fault, event.PriorityHigh, payload))
}
