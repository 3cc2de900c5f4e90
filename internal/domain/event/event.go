package event

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Kind int16

const (
	Connected Kind = iota + 1 // [SYSTEM]
	Disconnected
	MessageDelivered // [BUSINESS]
	PresenceChanged
	TypingObserved
	Pong
	Fault
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case MessageDelivered:
		return "message_delivered"
	case PresenceChanged:
		return "presence_changed"
	case TypingObserved:
		return "typing_observed"
	case Pong:
		return "pong"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetUserID() uuid.UUID
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}

// [GUARD] Ensure compliance with the Eventer interface.
var _ Eventer = (*Event)(nil)

// Event is the single envelope for everything a cell can push to a session:
// delivered messages, presence changes, handshake and error signals.
type Event struct {
	id         string
	userID     uuid.UUID
	kind       Kind
	priority   Priority
	occurredAt int64
	payload    any

	// cached holds the transport serialization, computed at most once per
	// event. Atomic because sessions of the same identity marshal from
	// independent write pumps.
	cached atomic.Value
}

func (e *Event) GetID() string         { return e.id }
func (e *Event) GetKind() Kind         { return e.kind }
func (e *Event) GetUserID() uuid.UUID  { return e.userID }
func (e *Event) GetPriority() Priority { return e.priority }
func (e *Event) GetOccurredAt() int64  { return e.occurredAt }
func (e *Event) GetPayload() any       { return e.payload }
func (e *Event) GetCached() any        { return e.cached.Load() }
func (e *Event) SetCached(v any)       { e.cached.Store(v) }

// New is the universal factory for creating any delivery signal.
// UserID is the physical recipient: the identity whose local cell
// this event instance is routed to.
func New(userID uuid.UUID, kind Kind, priority Priority, payload any) *Event {
	return &Event{
		id:         uuid.NewString(),
		userID:     userID,
		kind:       kind,
		priority:   priority,
		occurredAt: time.Now().UnixMilli(),
		payload:    payload,
	}
}

// WithID pins an external message id (bus envelope id) instead of a fresh
// one, so clients can de-duplicate across reconnects.
func WithID(id string, userID uuid.UUID, kind Kind, priority Priority, payload any) *Event {
	ev := New(userID, kind, priority, payload)
	ev.id = id
	return ev
}
