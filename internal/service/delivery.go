package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"github.com/wirebeam/pushfabric/internal/domain/model"
	"github.com/wirebeam/pushfabric/internal/domain/registry"
	"github.com/wirebeam/pushfabric/internal/domain/rooms"
)

// Deliverer is the primary interface transport handlers use to attach and
// detach sessions.
type Deliverer interface {
	Subscribe(ctx context.Context, userID uuid.UUID, meta registry.ConnectMetadata) (registry.Connector, error)
	Unsubscribe(userID, connID uuid.UUID)
}

type DeliveryService struct {
	hub      registry.Hubber
	rooms    *rooms.Index
	fanout   *Fanout
	sessions int // per-session mailbox buffer
	metrics  *metrics.Set
	nodeID   string
}

var _ Deliverer = (*DeliveryService)(nil)

func NewDeliveryService(hub registry.Hubber, ix *rooms.Index, fanout *Fanout, cfg *config.Config, m *metrics.Set) *DeliveryService {
	return &DeliveryService{
		hub:      hub,
		rooms:    ix,
		fanout:   fanout,
		sessions: cfg.Registry.SessionBuffer,
		metrics:  m,
		nodeID:   cfg.Node.ID,
	}
}

// Subscribe creates a session connector and attaches it to the identity's
// cell. Exceeding the per-identity cap surfaces model.ErrCapacityExceeded
// and leaves existing connections untouched. The identity's first local
// session publishes a best-effort user_online presence event.
func (s *DeliveryService) Subscribe(ctx context.Context, userID uuid.UUID, meta registry.ConnectMetadata) (registry.Connector, error) {
	conn := registry.NewConnector(ctx, userID, s.sessions, meta)

	first, err := s.hub.Register(conn)
	if err != nil {
		conn.Close()
		return nil, model.ErrCapacityExceeded
	}

	s.metrics.ConnectionsOpen.Inc()

	if first {
		s.fanout.PublishPresence(ctx, userID, true, nil)
	}

	return conn, nil
}

// Unsubscribe detaches the session. When it was the identity's last one on
// this node, local room memberships are evicted and user_offline is
// published carrying the rooms it occupied, because this index no longer
// remembers them by the time the echo returns.
func (s *DeliveryService) Unsubscribe(userID, connID uuid.UUID) {
	last := s.hub.Unregister(userID, connID)
	s.metrics.ConnectionsOpen.Dec()

	if last {
		left := s.rooms.LeaveAll(userID)
		s.fanout.PublishPresence(context.Background(), userID, false, left)
	}
}
