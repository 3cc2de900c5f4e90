package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyBackoffGrowsAndStaysJittered(t *testing.T) {
	p := NewPolicy(
		WithInitialInterval(100*time.Millisecond),
		WithMaxInterval(2*time.Second),
	)

	for i := range 10 {
		wait, ok := p.Next()
		require.True(t, ok, "attempt %d", i)
		assert.Greater(t, wait, time.Duration(0))
		// Full jitter: never above the capped deterministic interval.
		assert.LessOrEqual(t, wait, 2*time.Second)
	}
	assert.Equal(t, 10, p.Attempts())
}

func TestPolicyAttemptBudget(t *testing.T) {
	p := NewPolicy(WithMaxAttempts(3), WithInitialInterval(time.Millisecond))

	for range 3 {
		_, ok := p.Next()
		require.True(t, ok)
	}

	_, ok := p.Next()
	assert.False(t, ok)
}

func TestPolicyResetStartsFresh(t *testing.T) {
	p := NewPolicy(WithMaxAttempts(2), WithInitialInterval(time.Millisecond))

	_, ok := p.Next()
	require.True(t, ok)
	_, ok = p.Next()
	require.True(t, ok)
	_, ok = p.Next()
	require.False(t, ok)

	// A successful session resets the episode.
	p.Reset()
	assert.Equal(t, 0, p.Attempts())

	wait, ok := p.Next()
	require.True(t, ok)
	assert.LessOrEqual(t, wait, time.Millisecond)
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewQueue(3)

	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))
	q.Push([]byte("d"))

	assert.Equal(t, uint64(1), q.Evicted())

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "b", string(drained[0]))
	assert.Equal(t, "d", string(drained[2]))
	assert.Equal(t, 0, q.Len())
}

func TestQueueDrainPreservesOrder(t *testing.T) {
	q := NewQueue(8)
	q.Push([]byte("1"))
	q.Push([]byte("2"))
	q.Push([]byte("3"))

	drained := q.Drain()
	require.Len(t, drained, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, string(drained[i]))
	}

	assert.Empty(t, q.Drain())
}
