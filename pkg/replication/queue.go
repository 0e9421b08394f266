package replication

import "errors"

// ErrBackpressure is returned by Queue.Enqueue when the queue is at its
// high-water mark. Callers never block and never silently drop; they get
// a typed, retryable error (spec §4.6, §7).
var ErrBackpressure = errors.New("replication: queue full, backpressure")

// Queue is a bounded MPMC channel wrapper used for the proposal, outbound
// gossip, and inbound-batch queues spec §4.6 and §7 require to reject
// rather than drop once full.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a Queue with the given capacity (its high-water mark).
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Enqueue adds v to the queue, returning ErrBackpressure immediately
// instead of blocking if the queue is full.
func (q *Queue[T]) Enqueue(v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrBackpressure
	}
}

// Dequeue blocks until an item is available or done is closed, returning
// ok=false in the latter case.
func (q *Queue[T]) Dequeue(done <-chan struct{}) (v T, ok bool) {
	select {
	case v, ok = <-q.ch:
		return v, ok
	case <-done:
		return v, false
	}
}

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue's high-water mark.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
