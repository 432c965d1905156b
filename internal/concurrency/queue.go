// File: internal/concurrency/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unbounded FIFO handoff queue with an edge-triggered wake signal.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is an unbounded multi-producer/multi-consumer FIFO. Storage is an
// eapache ring deque guarded by a mutex; Signal fires whenever the queue goes
// from empty to non-empty so a single consumer can block instead of polling.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	signal chan struct{}
	closed bool
}

// NewQueue creates an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:  queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v. It returns false once the queue has been closed, in which
// case ownership of v stays with the caller.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	wasEmpty := q.items.Length() == 0
	q.items.Add(v)
	q.mu.Unlock()

	if wasEmpty {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.items.Remove().(T), true
}

// PopBatch appends up to limit items to dst (all items if limit <= 0).
func (q *Queue[T]) PopBatch(dst []T, limit int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.items.Length()
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		dst = append(dst, q.items.Remove().(T))
	}
	return dst
}

// Signal returns the wake channel. A receive means the queue became
// non-empty at some point since the last receive; consumers must drain with
// TryPop until empty before waiting again.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close rejects further pushes and hands back every item still queued, so
// the caller can release them exactly once. Later calls return nil.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		rest = append(rest, q.items.Remove().(T))
	}
	return rest
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
