package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeKind discriminates what is riding on the coordination bus.
type EnvelopeKind string

const (
	// EnvelopeMessage carries a user-visible message (room, direct or broadcast).
	EnvelopeMessage EnvelopeKind = "message"
	// EnvelopeTyping carries a transient typing indicator. Never persisted,
	// first to be shed under backpressure.
	EnvelopeTyping EnvelopeKind = "typing"
	// EnvelopePresence announces an identity going online/offline.
	EnvelopePresence EnvelopeKind = "presence"
	// EnvelopeMembership announces a room join/leave so every node's
	// local membership index converges.
	EnvelopeMembership EnvelopeKind = "membership"
)

// TargetScope selects the resolution strategy on the receiving node.
type TargetScope string

const (
	ScopeBroadcast TargetScope = "broadcast"
	ScopeIdentity  TargetScope = "identity"
	ScopeRoom      TargetScope = "room"
)

// Target tells every Delivery Dispatcher which locally-held connections
// an envelope resolves to. Resolution is always local; a node holding no
// matching connection simply no-ops.
type Target struct {
	Scope    TargetScope `json:"scope"`
	Identity uuid.UUID   `json:"identity,omitempty"`
	Room     string      `json:"room,omitempty"`
}

// Envelope is the unit published on the coordination bus. Immutable once
// published. MessageID exists for idempotent client-side de-duplication
// only; the bus itself gives at-least-once, no cross-key ordering.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	Kind        EnvelopeKind    `json:"kind"`
	Target      Target          `json:"target"`
	From        uuid.UUID       `json:"from,omitempty"`
	Origin      string          `json:"origin,omitempty"` // publishing node, diagnostics only
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt int64           `json:"published_at"`
}

// NewEnvelope stamps identity and publish time. The payload is serialized
// exactly once, at publish time.
func NewEnvelope(kind EnvelopeKind, target Target, from uuid.UUID, origin string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	return &Envelope{
		MessageID:   uuid.NewString(),
		Kind:        kind,
		Target:      target,
		From:        from,
		Origin:      origin,
		Payload:     raw,
		PublishedAt: time.Now().UnixMilli(),
	}, nil
}

// MessagePayload is the body of EnvelopeMessage and EnvelopeTyping.
type MessagePayload struct {
	RoomID string `json:"room_id,omitempty"`
	Body   string `json:"body,omitempty"`
}

// PresencePayload is the body of EnvelopePresence. Rooms pins the set of
// rooms the identity occupied on the publishing node at disconnect time,
// because the publisher has already evicted them from its own index.
type PresencePayload struct {
	Identity uuid.UUID `json:"identity"`
	Online   bool      `json:"online"`
	Rooms    []string  `json:"rooms,omitempty"`
}

// MembershipPayload is the body of EnvelopeMembership.
type MembershipPayload struct {
	Identity uuid.UUID `json:"identity"`
	RoomID   string    `json:"room_id"`
	Joined   bool      `json:"joined"`
}

// DecodePayload unmarshals the envelope body into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.MessageID)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("envelope %s: decode payload: %w", e.MessageID, err)
	}
	return nil
}
