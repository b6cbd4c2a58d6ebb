package stream

import (
	"sync"
	"sync/atomic"
)

// Queue is a thread-safe circular buffer of line chunks waiting for an
// upstream. Chunks are copied on Push so callers may reuse their buffers.
type Queue struct {
	mu       sync.Mutex
	data     [][]byte
	head     int64 // Next write position
	tail     int64 // Oldest chunk position
	count    int64
	bytes    int64
	capacity int64

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// NewQueue creates a queue holding up to capacity chunks.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		data:     make([][]byte, capacity),
		capacity: int64(capacity),
	}
}

// Push appends a copy of p.
// Returns false if the queue is full and the chunk was dropped.
func (q *Queue) Push(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		q.dropCount.Add(1)
		return false
	}
	q.pushLocked(p)
	return true
}

// PushOverwrite appends a copy of p, overwriting the oldest chunk if full.
func (q *Queue) PushOverwrite(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		idx := q.tail % q.capacity
		q.bytes -= int64(len(q.data[idx]))
		q.data[idx] = nil
		q.tail++
		q.count--
		q.dropCount.Add(1)
	}
	q.pushLocked(p)
}

func (q *Queue) pushLocked(p []byte) {
	idx := q.head % q.capacity
	q.data[idx] = append([]byte(nil), p...)
	q.head++
	q.count++
	q.bytes += int64(len(p))
	q.pushCount.Add(1)
}

// PopAll removes every queued chunk and returns them oldest first.
func (q *Queue) PopAll() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	result := make([][]byte, q.count)
	for i := int64(0); i < q.count; i++ {
		idx := (q.tail + i) % q.capacity
		result[i] = q.data[idx]
		q.data[idx] = nil // Clear for GC
	}

	q.popCount.Add(q.count)
	q.tail += q.count
	q.count = 0
	q.bytes = 0

	return result
}

// Clear drops everything queued and returns the number of chunks dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for i := int64(0); i < n; i++ {
		q.data[(q.tail+i)%q.capacity] = nil
	}
	q.tail = q.head
	q.count = 0
	q.bytes = 0
	q.dropCount.Add(n)
	return int(n)
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.count)
}

// Cap returns the capacity in chunks.
func (q *Queue) Cap() int {
	return int(q.capacity)
}

// UsageRatio returns the fraction of the capacity in use (0.0 to 1.0).
func (q *Queue) UsageRatio() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.count) / float64(q.capacity)
}

// QueueStats holds queue statistics.
type QueueStats struct {
	Len        int
	Cap        int
	Bytes      int64
	UsageRatio float64
	Pushed     int64
	Popped     int64
	Dropped    int64
}

// Stats returns current statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Len:        int(q.count),
		Cap:        int(q.capacity),
		Bytes:      q.bytes,
		UsageRatio: float64(q.count) / float64(q.capacity),
		Pushed:     q.pushCount.Load(),
		Popped:     q.popCount.Load(),
		Dropped:    q.dropCount.Load(),
	}
}
