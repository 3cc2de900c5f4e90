package registry

import "time"

const defaultSendTimeout = 500 * time.Millisecond

type hubConfig struct {
	mailboxSize        int
	sendTimeout        time.Duration
	maxSessionsPerUser int
	onDrop             func()
}

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithMailboxSize sets the buffer capacity of each identity's actor
// mailbox, i.e. the backpressure threshold.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithSendTimeout bounds how long delivery into a single session mailbox
// may wait before the shedding path runs.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.sendTimeout = d
	}
}

// WithMaxSessionsPerIdentity caps concurrent live connections per identity
// on this node. Zero disables the cap.
func WithMaxSessionsPerIdentity(n int) Option {
	return func(h *Hub) {
		h.config.maxSessionsPerUser = n
	}
}

// WithDropCounter installs a hook invoked once per shed event, typically
// bound to the messages_dropped counter.
func WithDropCounter(fn func()) Option {
	return func(h *Hub) {
		h.config.onDrop = fn
	}
}
