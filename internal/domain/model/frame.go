package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ServerVersion is reported in the connected handshake frame.
const ServerVersion = "1.2.0"

// Frame types accepted from clients.
const (
	FramePing          = "ping"
	FramePong          = "pong"
	FrameJoinRoom      = "join_room"
	FrameLeaveRoom     = "leave_room"
	FrameRoomMessage   = "room_message"
	FrameDirectMessage = "direct_message"
	FrameTyping        = "typing"
	FrameError         = "error"
)

// Frame types the server originates.
const (
	FrameConnected   = "connected"
	FrameUserOnline  = "user_online"
	FrameUserOffline = "user_offline"
)

// Close codes for policy-level connection refusals.
const (
	CloseUnauthorized         = 4001
	CloseRateLimited          = 4002
	CloseCapacityExceeded     = 4003
	CloseRoomNotFound         = 4004
	CloseNotAuthorizedForRoom = 4005
	CloseBadFrame             = 4006
)

// Frame is the transport-agnostic wire unit:
// {type, payload, timestamp?, message_id?}.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// ParseFrame decodes a raw inbound frame and rejects frames without a type.
func ParseFrame(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("frame: malformed json: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame: missing type")
	}
	return f, nil
}

// DecodePayload unmarshals the frame body into dst.
func (f *Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("frame %s: decode payload: %w", f.Type, err)
	}
	return nil
}

// RoomRef is the payload of join_room / leave_room.
type RoomRef struct {
	RoomID string `json:"room_id"`
}

// RoomMessageIn is the client payload of room_message and typing.
type RoomMessageIn struct {
	RoomID string `json:"room_id"`
	Body   string `json:"body"`
}

// DirectMessageIn is the client payload of direct_message.
type DirectMessageIn struct {
	ToIdentity string `json:"to_identity"`
	Body       string `json:"body"`
}

// --- Server-originated payloads (domain side, pre-marshalling) ---

// ConnectedPayload is pushed as the first frame after a successful handshake.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
	DeviceCount   int    `json:"device_count"`
}

// RoomMessage is a delivered room-scoped message.
type RoomMessage struct {
	RoomID string    `json:"room_id"`
	Body   string    `json:"body"`
	From   uuid.UUID `json:"from"`
}

// DirectMessage is a delivered identity-addressed message.
type DirectMessage struct {
	Body string    `json:"body"`
	From uuid.UUID `json:"from"`
}

// Typing is a delivered transient typing indicator.
type Typing struct {
	RoomID   string    `json:"room_id"`
	Identity uuid.UUID `json:"identity"`
}

// Presence is a delivered user_online / user_offline notification.
type Presence struct {
	Identity uuid.UUID `json:"identity"`
	RoomID   string    `json:"room_id,omitempty"`
	Online   bool      `json:"-"`
}

// Pong answers a client ping.
type Pong struct{}

// ErrorPayload is the body of an error frame. RetryAfterSeconds is a coarse
// wait hint only; bucket internals are never exposed to clients.
type ErrorPayload struct {
	Code              int    `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}
