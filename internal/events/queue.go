package events

import "sync"

// Queue is a FIFO of scheduler events, safe for concurrent producers. The
// single scheduler goroutine is the only consumer.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	// wake is signalled on every Put; shared across the scheduler's
	// three queues
	wake *sync.Cond
}

// NewQueue returns an empty queue signalling the given condition on Put.
func NewQueue[T any](wake *sync.Cond) *Queue[T] {
	return &Queue[T]{wake: wake}
}

// Put appends an event and wakes the scheduler.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	if q.wake != nil {
		q.wake.L.Lock()
		q.wake.Broadcast()
		q.wake.L.Unlock()
	}
}

// TryGet pops the head event, reporting whether one was available.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	head := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return head, true
}

// Len returns the number of pending events.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns all pending events.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
