// Package rooms holds the node-local room membership index.
//
// Authoritative membership is the union of every node's local view; each
// node converges through membership events on the coordination bus.
// Temporary divergence during join/leave propagation is tolerated and
// resolves within one bus round-trip.
package rooms

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/internal/domain/model"
)

const defaultGracePeriod = 5 * time.Minute

// room keeps the membership set plus the moment it became empty, so a
// flapping client re-joining within the grace period finds it intact.
type room struct {
	members    map[uuid.UUID]struct{}
	emptySince time.Time
}

// Index maps room id -> member identities, with the reverse map
// identity -> rooms. All mutation happens under one short-lived mutex,
// released before any I/O.
type Index struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	byIdentity map[uuid.UUID]map[string]struct{}

	grace time.Duration
}

type IndexOption func(*Index)

// WithGracePeriod overrides how long an empty room survives before the
// janitor evicts it.
func WithGracePeriod(d time.Duration) IndexOption {
	return func(ix *Index) {
		ix.grace = d
	}
}

func NewIndex(opts ...IndexOption) *Index {
	ix := &Index{
		rooms:      make(map[string]*room),
		byIdentity: make(map[uuid.UUID]map[string]struct{}),
		grace:      defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Join adds the identity to the room, creating the room on first join.
// Idempotent: re-applying an echoed membership event is a no-op.
func (ix *Index) Join(identity uuid.UUID, roomID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r, ok := ix.rooms[roomID]
	if !ok {
		r = &room{members: make(map[uuid.UUID]struct{})}
		ix.rooms[roomID] = r
	}
	r.members[identity] = struct{}{}
	r.emptySince = time.Time{}

	set, ok := ix.byIdentity[identity]
	if !ok {
		set = make(map[string]struct{})
		ix.byIdentity[identity] = set
	}
	set[roomID] = struct{}{}
}

// Leave removes the identity from the room. An emptied room is retained
// for the grace period to tolerate flapping.
func (ix *Index) Leave(identity uuid.UUID, roomID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.leaveLocked(identity, roomID)
}

// LeaveAll removes the identity from every room it occupies on this node
// and returns the rooms it left. Order is unspecified.
func (ix *Index) LeaveAll(identity uuid.UUID) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.byIdentity[identity]
	if !ok {
		return nil
	}

	left := make([]string, 0, len(set))
	for roomID := range set {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		ix.leaveLocked(identity, roomID)
	}
	return left
}

func (ix *Index) leaveLocked(identity uuid.UUID, roomID string) {
	if r, ok := ix.rooms[roomID]; ok {
		delete(r.members, identity)
		if len(r.members) == 0 {
			r.emptySince = time.Now()
		}
	}

	if set, ok := ix.byIdentity[identity]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(ix.byIdentity, identity)
		}
	}
}

// MembersOf returns this node's view of the room membership.
func (ix *Index) MembersOf(roomID string) []uuid.UUID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	r, ok := ix.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]uuid.UUID, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	return members
}

// RoomsOf returns the rooms the identity occupies in this node's view.
func (ix *Index) RoomsOf(identity uuid.UUID) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set, ok := ix.byIdentity[identity]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	return out
}

func (ix *Index) IsMember(identity uuid.UUID, roomID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	r, ok := ix.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[identity]
	return member
}

// Known reports whether the room exists in this node's view, member or not.
func (ix *Index) Known(roomID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.rooms[roomID]
	return ok
}

func (ix *Index) Stats() model.RoomStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	st := model.RoomStats{Rooms: len(ix.rooms)}
	for _, r := range ix.rooms {
		st.Memberships += len(r.members)
	}
	return st
}

// Sweep evicts rooms that have been empty for longer than the grace period
// and returns how many were reclaimed. Driven by the janitor ticker.
func (ix *Index) Sweep(now time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	evicted := 0
	for roomID, r := range ix.rooms {
		if len(r.members) == 0 && !r.emptySince.IsZero() && now.Sub(r.emptySince) > ix.grace {
			delete(ix.rooms, roomID)
			evicted++
		}
	}
	return evicted
}
