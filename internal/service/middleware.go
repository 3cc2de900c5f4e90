package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// MessengerMiddleware decorates the messenger with frame-level
// observability without touching routing logic.
type MessengerMiddleware struct {
	Next   Messenger
	Logger *slog.Logger
}

var _ Messenger = (*MessengerMiddleware)(nil)

func (m *MessengerMiddleware) HandleFrame(ctx context.Context, sess *Session, frame *model.Frame) {
	start := time.Now()

	m.Next.HandleFrame(ctx, sess, frame)

	m.Logger.Debug("FRAME_HANDLED",
		"type", frame.Type,
		"identity", sess.Identity,
		"conn_id", sess.ConnID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
