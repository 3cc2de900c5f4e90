/*
Package registry owns the node-local connection table.

Key architectural concepts:
  - Virtual cells: every identity with at least one live connection is
    represented by an isolated Cell (actor) encapsulating all concurrent
    transport sessions (multi-device) for that identity.
  - Decoupling & backpressure: per-identity mailboxes make sure a slow
    consumer never blocks the bus dispatcher or other identities.
  - Process-local ownership: the table is never shared across nodes;
    cross-node consistency flows exclusively through the coordination bus.
  - Concurrency: lock-free lookups via sync.Map, fine-grained locking
    inside individual cells. No lock is ever held across I/O.
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/internal/domain/event"
)

// Celler defines the internal API for identity-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector, maxSessions int) (first bool, err error)
	Detach(connID uuid.UUID) (last bool)
	Sessions() int
	Drain() []Connector
	Stop()
}

// Cell implements isolated delivery for a single identity.
type Cell struct {
	userID uuid.UUID

	// mailbox decouples the global dispatcher from per-session delivery.
	// It is the shock absorber between bus consumption and socket writes.
	mailbox chan event.Eventer

	// sessions multiplexes one event to every device of the identity.
	sessions map[uuid.UUID]Connector

	// mu guards sessions only. Delivery reads outnumber registration
	// writes, hence RWMutex.
	mu sync.RWMutex

	doneCh   chan struct{}
	stopOnce sync.Once

	sendTimeout time.Duration
	onDrop      func()
}

func NewCell(userID uuid.UUID, mailboxSize int, sendTimeout time.Duration, onDrop func()) *Cell {
	c := &Cell{
		userID:      userID,
		mailbox:     make(chan event.Eventer, mailboxSize),
		sessions:    make(map[uuid.UUID]Connector),
		doneCh:      make(chan struct{}),
		sendTimeout: sendTimeout,
		onDrop:      onDrop,
	}
	go c.loop()
	return c
}

// Push hands an event to the cell without blocking the caller. A full
// mailbox means the identity is overwhelmed; the event is shed and counted.
func (c *Cell) Push(ev event.Eventer) bool {
	select {
	case c.mailbox <- ev:
		return true
	default:
		if c.onDrop != nil {
			c.onDrop()
		}
		return false
	}
}

// Attach registers one more transport session, enforcing the per-identity
// connection cap. first reports whether this is the identity's first live
// session on this node (presence transition).
func (c *Cell) Attach(conn Connector, maxSessions int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.doneCh:
		return false, ErrCellStopped
	default:
	}

	if maxSessions > 0 && len(c.sessions) >= maxSessions {
		return false, ErrSessionCapExceeded
	}

	c.sessions[conn.GetID()] = conn
	return len(c.sessions) == 1, nil
}

// Detach removes a session and reports whether the identity now has no
// sessions left on this node. An emptied cell is stopped under the same
// lock, so a concurrent Attach observes ErrCellStopped instead of landing
// on a cell the hub is about to delete; the hub's retry path then creates
// a fresh one.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	if len(c.sessions) == 0 {
		c.Stop()
		return true
	}
	return false
}

// Drain detaches every session and hands back the connectors so the
// caller can close them outside the lock.
func (c *Cell) Drain() []Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.sessions = make(map[uuid.UUID]Connector)
	return conns
}

func (c *Cell) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

// deliver writes one event into every session mailbox. At-most-once per
// connection per event: a session that sheds the event never sees it again.
// The lock is released before any bounded wait inside Send.
func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	conns := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		if !conn.Send(ev, c.sendTimeout) {
			if c.onDrop != nil {
				c.onDrop()
			}
		}
	}
}

// Stop is idempotent: Detach on the last session, Hub.Unregister and
// Hub.Shutdown may all race to call it.
func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
