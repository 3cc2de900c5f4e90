package reconnect

import "sync"

// Queue holds frames written by the application while the link is down.
// Capacity is fixed; when full, the oldest entry is evicted so the queue
// always holds the most recent writes. Replay order is FIFO.
type Queue struct {
	mu      sync.Mutex
	entries [][]byte
	cap     int
	evicted uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{cap: capacity}
}

// Push appends a frame, evicting the oldest one when the queue is full.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == q.cap {
		q.entries = q.entries[1:]
		q.evicted++
	}
	q.entries = append(q.entries, frame)
}

// Drain returns the queued frames in arrival order and empties the queue.
// Called after the connected frame of a fresh session arrives, and after
// room re-joins have been sent.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = nil
	return out
}

// Len reports the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Evicted reports how many frames were lost to capacity since creation.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
