// Package queue hands captured blocks from the audio callback thread to the
// writer goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is a FIFO safe for one producer and one consumer. Push never blocks.
// With a zero limit the queue grows without bound; with a positive limit a
// push onto a full queue evicts the oldest item.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	limit   int
	dropped uint64
	closed  bool

	// ready holds a token while items may be available.
	ready chan struct{}
}

// New returns an empty queue. limit <= 0 means unbounded.
func New[T any](limit int) *Queue[T] {
	if limit < 0 {
		limit = 0
	}
	return &Queue[T]{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends item. It reports whether an older item was evicted to make
// room. Pushing onto a closed queue is a no-op.
func (q *Queue[T]) Push(item T) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.limit > 0 && q.lenLocked() >= q.limit {
		var zero T
		q.items[q.head] = zero
		q.head++
		q.dropped++
		q.compactLocked()
		evicted = true
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return evicted
}

// Pop removes and returns the oldest item, waiting until one is available.
// It returns ctx.Err() if ctx is done first, or ErrClosed once the queue is
// closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			item := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			q.compactLocked()
			more := q.lenLocked() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len is the current backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped counts items evicted by the limit since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting items and wakes a waiting consumer. Items already
// queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (q *Queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
