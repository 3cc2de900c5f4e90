// Package admission implements token-bucket rate limiting for connection
// attempts and inbound messages. It knows nothing about sockets or fleet
// topology: it is a pure decision function over a bounded key space.
package admission

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Bucket is the per-key mutable record. Tokens regenerate continuously at
// capacity/window; the invariant 0 <= Tokens <= capacity always holds.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
}

// Store abstracts where buckets live. A shared store yields fleet-wide
// enforcement; the in-process store enforces per node with proportionally
// reduced capacity (see config.Limits.PerProcessDivisor). Implementations
// may fail; the limiter fails open on any error.
type Store interface {
	Fetch(ctx context.Context, key string) (Bucket, bool, error)
	Save(ctx context.Context, key string, b Bucket) error
}

// LocalStore keeps buckets in an expirable LRU. Entries idle beyond the
// TTL (2 x window) behave exactly like fresh buckets, so dropping them
// loses nothing.
type LocalStore struct {
	cache *expirable.LRU[string, Bucket]
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(size int, ttl time.Duration) *LocalStore {
	return &LocalStore{
		cache: expirable.NewLRU[string, Bucket](size, nil, ttl),
	}
}

func (s *LocalStore) Fetch(_ context.Context, key string) (Bucket, bool, error) {
	b, ok := s.cache.Get(key)
	return b, ok, nil
}

func (s *LocalStore) Save(_ context.Context, key string, b Bucket) error {
	s.cache.Add(key, b)
	return nil
}
