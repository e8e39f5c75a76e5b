package pipeline

import "sync"

// Queue is an unbounded FIFO whose Push never blocks.
// Consumers select on Signal and take one element per wake-up with Pop.
type Queue[T any] struct {
	mu     sync.Mutex    // mu protects items
	items  []T           // items are pending elements, oldest first
	signal chan struct{} // signal holds a token while items is non-empty
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()
}

// Pop removes the oldest element. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()

	if len(q.items) == 0 {
		q.mu.Unlock()
		return v, false
	}

	v = q.items[0]

	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	remaining := len(q.items)

	q.mu.Unlock()

	if remaining > 0 {
		q.notify()
	}

	return v, true
}

// Signal returns a channel that is readable while the queue may hold elements.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// notify leaves a wake-up token if none is pending.
func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// runWorker pops elements of q in order and hands them to handle until stop is closed.
func runWorker[T any](stop <-chan struct{}, q *Queue[T], handle func(T)) {
	for {
		select {
		case <-stop:
			return
		case <-q.Signal():
			if v, ok := q.Pop(); ok {
				handle(v)
			}
		}
	}
}
