// Package lpmarshaller batches domain events into the long-polling JSON
// response shape.
package lpmarshaller

import (
	"encoding/json"

	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// LPEvent represents a single event structured for long-polling consumers.
type LPEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Response defines the top-level JSON array to support event batching.
type Response struct {
	Events []LPEvent `json:"events"`
}

// MarshallEvents converts a slice of domain events into a single JSON batch.
func MarshallEvents(events []event.Eventer) ([]byte, error) {
	res := Response{
		Events: make([]LPEvent, 0, len(events)),
	}

	for _, ev := range events {
		lpEv := LPEvent{
			ID:        ev.GetID(),
			Timestamp: ev.GetOccurredAt(),
			Payload:   ev.GetPayload(),
		}

		switch p := ev.GetPayload().(type) {
		case *model.RoomMessage:
			lpEv.Type = model.FrameRoomMessage
		case *model.DirectMessage:
			lpEv.Type = model.FrameDirectMessage
		case *model.Typing:
			lpEv.Type = model.FrameTyping
		case *model.Presence:
			lpEv.Type = model.FrameUserOffline
			if p.Online {
				lpEv.Type = model.FrameUserOnline
			}
		case *model.ConnectedPayload:
			lpEv.Type = model.FrameConnected
		case *model.Pong:
			lpEv.Type = model.FramePong
		case *model.ErrorPayload:
			lpEv.Type = model.FrameError
		default:
			lpEv.Type = "unknown"
		}
		res.Events = append(res.Events, lpEv)
	}

	return json.Marshal(res)
}
