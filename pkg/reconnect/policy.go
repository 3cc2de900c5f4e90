// Package reconnect implements the client side of the session contract:
// how a client backs off between connection attempts and what it does
// with messages written while the link is down.
package reconnect

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v3"
)

// Policy produces the wait before each reconnection attempt: exponential
// growth with full jitter, capped, and reset after a successful session.
// A zero Policy is not usable; construct with NewPolicy.
type Policy struct {
	bo *backoff.ExponentialBackOff

	// MaxAttempts bounds one reconnection episode. Zero means unbounded.
	MaxAttempts int

	attempts int
}

// PolicyOption tunes backoff shape.
type PolicyOption func(*Policy)

func WithInitialInterval(d time.Duration) PolicyOption {
	return func(p *Policy) { p.bo.InitialInterval = d }
}

func WithMaxInterval(d time.Duration) PolicyOption {
	return func(p *Policy) { p.bo.MaxInterval = d }
}

func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) { p.MaxAttempts = n }
}

func NewPolicy(opts ...PolicyOption) *Policy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // the attempt budget bounds the episode, not time
	bo.RandomizationFactor = 0 // jitter applied below, over the full interval

	p := &Policy{bo: bo}
	for _, opt := range opts {
		opt(p)
	}
	p.bo.Reset()
	return p
}

// Next returns the wait before the next attempt, or false when the
// attempt budget is spent. Full jitter: a uniform draw over (0, interval]
// keeps a reconnect herd from synchronizing on the server.
func (p *Policy) Next() (time.Duration, bool) {
	if p.MaxAttempts > 0 && p.attempts >= p.MaxAttempts {
		return 0, false
	}
	p.attempts++

	interval := p.bo.NextBackOff()
	if interval == backoff.Stop {
		return 0, false
	}

	return time.Duration(rand.Int63n(int64(interval)) + 1), true
}

// Reset is called after a handshake completes so the next outage starts
// from the initial interval again.
func (p *Policy) Reset() {
	p.attempts = 0
	p.bo.Reset()
}

// Attempts reports how many waits the current episode has consumed.
func (p *Policy) Attempts() int {
	return p.attempts
}
