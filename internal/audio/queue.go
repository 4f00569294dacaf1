package audio

import (
	"sync/atomic"
)

// Queue is a bounded lock-free ring of datagram payloads with exactly one
// producer (the network receive task) and one consumer (the playback callback).
// Neither side ever blocks: Offer drops on full and Poll returns false on empty.
type Queue struct {
	slots []atomic.Pointer[[]byte]
	mask  uint64

	head atomic.Uint64 // next slot to read, owned by the consumer
	tail atomic.Uint64 // next slot to write, owned by the producer

	offered atomic.Uint64
	dropped atomic.Uint64
	skipped atomic.Uint64
}

// QueueStats represents queue statistics for monitoring
type QueueStats struct {
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
	Offered  uint64 `json:"offered"`
	Dropped  uint64 `json:"dropped"`
	Skipped  uint64 `json:"skipped"`
}

// NewQueue creates a queue holding at least capacity packets.
// The capacity is rounded up to a power of two.
func NewQueue(capacity int) *Queue {
	size := uint64(1)
	for size < uint64(max(capacity, 1)) {
		size <<= 1
	}
	return &Queue{
		slots: make([]atomic.Pointer[[]byte], size),
		mask:  size - 1,
	}
}

// Offer enqueues a packet. It must only be called from the producer goroutine.
// It reports false and counts a drop when the queue is full.
func (q *Queue) Offer(packet []byte) bool {
	q.offered.Add(1)

	tail := q.tail.Load()
	if tail-q.head.Load() > q.mask {
		q.dropped.Add(1)
		return false
	}

	q.slots[tail&q.mask].Store(&packet)
	q.tail.Store(tail + 1)
	return true
}

// Poll dequeues the oldest packet. It must only be called from the consumer.
func (q *Queue) Poll() ([]byte, bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return nil, false
	}

	slot := &q.slots[head&q.mask]
	packet := slot.Swap(nil)
	q.head.Store(head + 1)
	return *packet, true
}

// Skip discards the oldest packets until at most keep remain, bounding the
// latency a consumer accumulates when the peer's clock runs faster than ours.
// It must only be called from the consumer and returns the number discarded.
func (q *Queue) Skip(keep int) int {
	n := 0
	for q.Len() > keep {
		if _, ok := q.Poll(); !ok {
			break
		}
		n++
	}
	q.skipped.Add(uint64(n))
	return n
}

// Len returns the number of queued packets. Any goroutine may call it.
func (q *Queue) Len() int {
	// head first: it can only move towards tail, never past it
	head := q.head.Load()
	return int(q.tail.Load() - head)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.slots)
}

// Dropped returns the number of packets rejected because the queue was full
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Length:   q.Len(),
		Capacity: q.Cap(),
		Offered:  q.offered.Load(),
		Dropped:  q.dropped.Load(),
		Skipped:  q.skipped.Load(),
	}
}
