// Package wsmarshaller maps domain events onto the JSON wire frames of the
// WebSocket protocol.
package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// MarshallEvent renders the frame for one event. The serialization is
// cached on the event: an identity with several devices marshals once and
// every session reuses the bytes.
func MarshallEvent(ev event.Eventer) ([]byte, error) {
	if cached := ev.GetCached(); cached != nil {
		if raw, ok := cached.([]byte); ok {
			return raw, nil
		}
	}

	frame := &model.Frame{
		Timestamp: ev.GetOccurredAt(),
		MessageID: ev.GetID(),
	}

	switch p := ev.GetPayload().(type) {
	case *model.RoomMessage:
		frame.Type = model.FrameRoomMessage
	case *model.DirectMessage:
		frame.Type = model.FrameDirectMessage
	case *model.Typing:
		frame.Type = model.FrameTyping
	case *model.Presence:
		frame.Type = model.FrameUserOffline
		if p.Online {
			frame.Type = model.FrameUserOnline
		}
	case *model.ConnectedPayload:
		frame.Type = model.FrameConnected
	case *model.Pong:
		frame.Type = model.FramePong
	case *model.ErrorPayload:
		frame.Type = model.FrameError
	default:
		return nil, fmt.Errorf("wsmarshaller: no frame mapping for %T", p)
	}

	body, err := json.Marshal(ev.GetPayload())
	if err != nil {
		return nil, fmt.Errorf("wsmarshaller: payload %s: %w", frame.Type, err)
	}
	frame.Payload = body

	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wsmarshaller: frame %s: %w", frame.Type, err)
	}

	ev.SetCached(raw)
	return raw, nil
}
