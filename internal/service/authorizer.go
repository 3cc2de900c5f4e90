package service

import (
	"context"

	"github.com/google/uuid"
)

// RoomAuthorizer is the room-access collaborator consulted on every join.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, identity uuid.UUID, roomID string) bool
}

// PolicyAuthorizer answers from a static access policy: rooms absent from
// the restricted map are public, restricted rooms admit only the listed
// identities.
type PolicyAuthorizer struct {
	restricted map[string]map[uuid.UUID]struct{}
}

var _ RoomAuthorizer = (*PolicyAuthorizer)(nil)

func NewPolicyAuthorizer(restricted map[string][]string) *PolicyAuthorizer {
	compiled := make(map[string]map[uuid.UUID]struct{}, len(restricted))
	for roomID, members := range restricted {
		set := make(map[uuid.UUID]struct{}, len(members))
		for _, m := range members {
			if id, err := uuid.Parse(m); err == nil {
				set[id] = struct{}{}
			}
		}
		compiled[roomID] = set
	}
	return &PolicyAuthorizer{restricted: compiled}
}

func (a *PolicyAuthorizer) CanJoin(_ context.Context, identity uuid.UUID, roomID string) bool {
	allowed, restricted := a.restricted[roomID]
	if !restricted {
		return true
	}
	_, ok := allowed[identity]
	return ok
}
