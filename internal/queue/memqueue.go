package queue

import (
	"sync"

	"github.com/szibis/crash-relay/internal/report"
)

// MemoryQueue is an unbounded, internally synchronized FIFO of reports.
// Capacity is enforced by the Processor's admission check, not here.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []report.Report
	head    int
	bytes   int64
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make([]report.Report, 0, 16)}
}

// Push appends r to the tail of the queue.
func (q *MemoryQueue) Push(r report.Report) {
	q.mu.Lock()
	q.entries = append(q.entries, r)
	q.bytes += int64(r.Size())
	n, b := len(q.entries)-q.head, q.bytes
	q.mu.Unlock()

	queueDepth.Set(float64(n))
	queueBytes.Set(float64(b))
}

// Pop removes and returns the oldest report. ok is false when the queue is empty.
func (q *MemoryQueue) Pop() (r report.Report, ok bool) {
	q.mu.Lock()
	if q.head == len(q.entries) {
		q.mu.Unlock()
		return report.Report{}, false
	}
	r = q.entries[q.head]
	q.entries[q.head] = report.Report{} // allow GC to collect the payload
	q.head++
	q.bytes -= int64(r.Size())
	if q.bytes < 0 {
		q.bytes = 0
	}
	q.maybeCompact()
	n, b := len(q.entries)-q.head, q.bytes
	q.mu.Unlock()

	queueDepth.Set(float64(n))
	queueBytes.Set(float64(b))
	return r, true
}

// Len returns the current number of queued reports.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

// Bytes returns the total payload bytes currently queued.
func (q *MemoryQueue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// maybeCompact reclaims the consumed prefix of the slice once it dominates.
// Must be called with q.mu held.
func (q *MemoryQueue) maybeCompact() {
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
		return
	}
	if q.head > 256 && q.head*2 >= len(q.entries) {
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
}
