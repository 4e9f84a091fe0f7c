package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned by [Queue.Enqueue] when a per-user queue cap is
// configured and reached.
var ErrQueueFull = errors.New("gateway: queue full")

// Queue is the FIFO of pending work for one user, plus the advisory in-flight
// flag that serialises that user's tasks. The dispatcher is the sole caller
// of Dequeue; the owning session's read loop is the sole caller of Enqueue.
//
// The flag is deliberately a non-blocking CAS, not a mutex: the dispatcher
// skips busy users while scanning and never parks on one.
type Queue struct {
	mu    sync.Mutex
	items []WorkItem
	limit int

	inflight atomic.Bool
}

// newQueue creates a Queue. limit caps the number of pending items;
// 0 means unbounded.
func newQueue(limit int) *Queue {
	return &Queue{limit: limit}
}

// Enqueue appends item. Returns [ErrQueueFull] when a cap is configured and
// already reached.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

// Dequeue removes and returns the oldest pending item.
func (q *Queue) Dequeue() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TryAcquire sets the in-flight flag if it is clear. It is the sole
// admission gate for per-user mutual exclusion: while the flag is held, no
// other task for this user may start.
func (q *Queue) TryAcquire() bool {
	return q.inflight.CompareAndSwap(false, true)
}

// Release clears the in-flight flag.
func (q *Queue) Release() {
	q.inflight.Store(false)
}

// Clear discards all pending items. Called on session teardown; discarded
// items are neither refunded nor retried.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
