package admission

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type failingStore struct{}

func (failingStore) Fetch(context.Context, string) (Bucket, bool, error) {
	return Bucket{}, false, errors.New("store unreachable")
}

func (failingStore) Save(context.Context, string, Bucket) error {
	return errors.New("store unreachable")
}

func TestLimiterFirstCheckConsumesOneToken(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)
	l := NewLimiter(store, 5, time.Minute, testLogger(), WithClock(mock))

	d := l.Check(context.Background(), "k")
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)

	b, found, err := store.Fetch(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 4.0, b.Tokens, 1e-9)
}

func TestLimiterDeniesWhenExhausted(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)

	denials := 0
	l := NewLimiter(store, 3, time.Minute, testLogger(),
		WithClock(mock),
		WithDenialCounter(func() { denials++ }))

	for range 3 {
		require.True(t, l.Check(context.Background(), "k").Allowed)
	}

	d := l.Check(context.Background(), "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, denials)
}

func TestLimiterContinuousRefill(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)
	l := NewLimiter(store, 5, time.Minute, testLogger(), WithClock(mock))

	// Drain the bucket.
	for range 5 {
		require.True(t, l.Check(context.Background(), "k").Allowed)
	}
	require.False(t, l.Check(context.Background(), "k").Allowed)

	// 5 tokens per 60s means one token every 12 seconds.
	mock.Add(12 * time.Second)
	d := l.Check(context.Background(), "k")
	assert.True(t, d.Allowed)

	// The token was spent immediately; the very next check denies again.
	assert.False(t, l.Check(context.Background(), "k").Allowed)
}

func TestLimiterRefillClampedAtCapacity(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)
	l := NewLimiter(store, 3, time.Minute, testLogger(), WithClock(mock))

	require.True(t, l.Check(context.Background(), "k").Allowed)

	// Idle far beyond the window: tokens cap at capacity, never bank.
	mock.Add(24 * time.Hour)
	for range 3 {
		require.True(t, l.Check(context.Background(), "k").Allowed)
	}
	assert.False(t, l.Check(context.Background(), "k").Allowed)
}

func TestLimiterDenyPersistsRefill(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)
	l := NewLimiter(store, 2, 20*time.Second, testLogger(), WithClock(mock))

	require.True(t, l.Check(context.Background(), "k").Allowed)
	require.True(t, l.Check(context.Background(), "k").Allowed)

	// Repeated denied checks must not reset the refill progress.
	for range 5 {
		mock.Add(time.Second)
		require.False(t, l.Check(context.Background(), "k").Allowed)
	}

	// 2 tokens per 20s: after 10 elapsed seconds one full token exists.
	mock.Add(5 * time.Second)
	assert.True(t, l.Check(context.Background(), "k").Allowed)
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	l := NewLimiter(failingStore{}, 1, time.Minute, testLogger())

	// Every check allows while the store is down, even past capacity.
	for range 10 {
		d := l.Check(context.Background(), "k")
		assert.True(t, d.Allowed)
	}
}

func TestLimiterTokensStayInBounds(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)
	l := NewLimiter(store, 5, time.Minute, testLogger(), WithClock(mock))

	steps := []time.Duration{0, time.Second, 3 * time.Second, 500 * time.Millisecond,
		time.Minute, 0, 0, 0, 0, 0, 0, 7 * time.Second, 90 * time.Second}

	for _, step := range steps {
		mock.Add(step)
		l.Check(context.Background(), "k")

		b, found, err := store.Fetch(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.GreaterOrEqual(t, b.Tokens, 0.0)
		assert.LessOrEqual(t, b.Tokens, 5.0)
	}
}

func TestLimiterConcurrentChecksNeverOverAdmit(t *testing.T) {
	mock := clock.NewMock()
	store := NewLocalStore(16, time.Hour)
	l := NewLimiter(store, 5, time.Minute, testLogger(), WithClock(mock))

	// The mock clock never advances, so no refill: exactly capacity
	// checks may be admitted no matter how they interleave.
	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check(context.Background(), "k").Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load())
}
