package admission

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Decision is the outcome of one admission check. RetryAfter is a coarse
// hint; internal bucket state never leaks past this struct.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter applies the token-bucket algorithm against one key dimension.
// Policy is fail-open: if the store is unreachable the check allows and
// logs; rate-limit correctness is subordinate to fabric availability.
type Limiter struct {
	store    Store
	capacity float64
	window   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	onDenial func()

	// locks serializes fetch/compute/save per key (striped by hash) so
	// concurrent checks on one identity never lose each other's token
	// consumption.
	locks [64]sync.Mutex
}

type LimiterOption func(*Limiter)

// WithClock injects a mock clock for deterministic refill arithmetic.
func WithClock(c clock.Clock) LimiterOption {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithDenialCounter installs a hook invoked once per denied check.
func WithDenialCounter(fn func()) LimiterOption {
	return func(l *Limiter) {
		l.onDenial = fn
	}
}

func NewLimiter(store Store, capacity int, window time.Duration, logger *slog.Logger, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:    store,
		capacity: float64(capacity),
		window:   window,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check decides allow/deny for one consumption attempt on key.
//
// Tokens regenerate continuously at capacity/window, clamped at capacity:
// bursts are capped, never banked. The first-ever check initializes the
// bucket with capacity-1 (the current request consumed one). A denied
// check persists only the refill, so concurrent deniers never starve
// future allows.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := l.clock.Now()

	b, found, err := l.store.Fetch(ctx, key)
	if err != nil {
		l.logger.Warn("ADMISSION_FAIL_OPEN", "key", key, "err", err)
		return Decision{
			Allowed:   true,
			Remaining: int(l.capacity),
			ResetAt:   now,
		}
	}

	if !found {
		b = Bucket{Tokens: l.capacity - 1, LastRefill: now}
		if err := l.store.Save(ctx, key, b); err != nil {
			l.logger.Warn("ADMISSION_SAVE_FAILED", "key", key, "err", err)
		}
		return l.decision(b, now, true)
	}

	rate := l.capacity / l.window.Seconds()
	elapsed := now.Sub(b.LastRefill).Seconds()
	tokens := min(l.capacity, b.Tokens+elapsed*rate)

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	b = Bucket{Tokens: tokens, LastRefill: now}
	if err := l.store.Save(ctx, key, b); err != nil {
		l.logger.Warn("ADMISSION_SAVE_FAILED", "key", key, "err", err)
	}

	if !allowed && l.onDenial != nil {
		l.onDenial()
	}
	return l.decision(b, now, allowed)
}

func (l *Limiter) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

func (l *Limiter) decision(b Bucket, now time.Time, allowed bool) Decision {
	rate := l.capacity / l.window.Seconds()

	d := Decision{
		Allowed:   allowed,
		Remaining: int(b.Tokens),
		// Full replenishment horizon for this bucket.
		ResetAt: now.Add(time.Duration((l.capacity - b.Tokens) / rate * float64(time.Second))),
	}
	if !allowed {
		// Seconds until one whole token is available again.
		d.RetryAfter = time.Duration((1 - b.Tokens) / rate * float64(time.Second))
	}
	return d
}
