package model

import "errors"

// Fabric error taxonomy. Handlers map these onto close codes or error
// frames; infrastructure faults are absorbed into metrics, never into
// disconnects of unrelated clients.
var (
	// ErrUnauthorized: bad or expired credential. Fatal to the connection
	// attempt, never retried server-side.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited: admission check denied. Transient, the client may
	// retry after the hint.
	ErrRateLimited = errors.New("rate limited")

	// ErrCapacityExceeded: the identity already holds the maximum number
	// of live connections. Existing connections stay untouched.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrRoomNotFound: the referenced room is unknown to this node.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomAuthorizationDenied: fatal to that join only, the connection
	// stays open.
	ErrRoomAuthorizationDenied = errors.New("room authorization denied")

	// ErrBusUnavailable: the coordination bus cannot be reached. Triggers
	// fail-open admission and local-only delivery, never a disconnect.
	ErrBusUnavailable = errors.New("bus unavailable")
)
