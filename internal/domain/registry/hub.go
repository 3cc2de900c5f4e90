package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/internal/domain/event"
	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// Registry-internal failure conditions. The service layer maps
// ErrSessionCapExceeded onto model.ErrCapacityExceeded.
var (
	ErrSessionCapExceeded = errors.New("registry: session cap exceeded for identity")
	ErrCellStopped        = errors.New("registry: cell already stopped")
)

// Hubber is the gateway for session management and local event routing.
type Hubber interface {
	Register(conn Connector) (first bool, err error)
	Unregister(userID, connID uuid.UUID) (last bool)
	Broadcast(ev event.Eventer) bool
	IsConnected(userID uuid.UUID) bool
	CountFor(userID uuid.UUID) int
	Identities() []uuid.UUID
	Stats() model.HubStats
	Shutdown()
}

var _ Hubber = (*Hub)(nil)

// Hub is the node-local connection registry: identity -> virtual cell.
// Owned exclusively by this process; no other node ever reads or writes it.
type Hub struct {
	// cells stores map[uuid.UUID]*Cell. Optimized for read-heavy lookups
	// on the bus-consume hot path.
	cells sync.Map

	config hubConfig
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			mailboxSize:        2048,
			sendTimeout:        defaultSendTimeout,
			maxSessionsPerUser: 5,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) IsConnected(userID uuid.UUID) bool {
	_, ok := h.cells.Load(userID)
	return ok
}

// Broadcast routes an event to the specific identity cell. Returns false on
// miss or mailbox overflow; a miss is normal when another node owns the
// connection.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register lazily creates the identity cell and attaches the session,
// enforcing the per-identity connection cap. first reports a presence
// transition (offline -> online on this node).
func (h *Hub) Register(conn Connector) (bool, error) {
	uID := conn.GetUserID()

	for {
		val, ok := h.cells.Load(uID)
		if !ok {
			fresh := h.newCell(uID)
			var loaded bool
			val, loaded = h.cells.LoadOrStore(uID, fresh)
			if loaded {
				// Another session won the store; reclaim our goroutine.
				fresh.Stop()
			}
		}
		cell, ok := val.(Celler)
		if !ok {
			return false, ErrCellStopped
		}

		first, err := cell.Attach(conn, h.config.maxSessionsPerUser)
		if errors.Is(err, ErrCellStopped) {
			// Lost a race with the final Detach of the previous session
			// generation; the entry is about to disappear. Retry on a
			// fresh cell.
			h.cells.CompareAndDelete(uID, val)
			continue
		}
		return first, err
	}
}

// Unregister reclaims the session and, when it was the identity's last one
// on this node, purges the whole cell. last reports that presence
// transition so the caller can publish user_offline and leave rooms.
func (h *Hub) Unregister(userID, connID uuid.UUID) bool {
	val, ok := h.cells.Load(userID)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	if !ok {
		return false
	}

	if cell.Detach(connID) {
		// Detach already stopped the emptied cell; drop exactly this
		// generation so a replacement stored by a racing Register
		// survives.
		h.cells.CompareAndDelete(userID, val)
		return true
	}
	return false
}

func (h *Hub) CountFor(userID uuid.UUID) int {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Sessions()
		}
	}
	return 0
}

// Identities snapshots every identity currently holding at least one local
// connection. Used for broadcast-scope fan-out.
func (h *Hub) Identities() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 64)
	h.cells.Range(func(key, _ any) bool {
		if id, ok := key.(uuid.UUID); ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func (h *Hub) Stats() model.HubStats {
	var st model.HubStats
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			st.TotalIdentities++
			st.TotalConnections += cell.Sessions()
		}
		return true
	})
	return st
}

// Shutdown stops every cell goroutine and closes its session connectors,
// which signals the transport pumps to emit a close frame before the
// sockets drop.
func (h *Hub) Shutdown() {
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			cell.Stop()
			for _, conn := range cell.Drain() {
				conn.Close()
			}
		}
		h.cells.Delete(key)
		return true
	})
}

func (h *Hub) newCell(userID uuid.UUID) *Cell {
	return NewCell(userID, h.config.mailboxSize, h.config.sendTimeout, h.config.onDrop)
}
