package stream

import "sync"

// Queue is an unbounded FIFO with a channel on the consuming side.
//
// Push never blocks, so producers running on callback goroutines cannot be
// stalled by a slow consumer. A single pump goroutine moves items to Out in
// arrival order.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal  chan struct{}
	out     chan T
	abandon chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewQueue creates a queue and starts its pump.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		signal:  make(chan struct{}, 1),
		out:     make(chan T),
		abandon: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Out is closed once the queue has been closed and drained, or abandoned.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Push appends v. It returns false if the queue is already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting items. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Abandon stops the pump immediately, discarding anything still queued.
func (q *Queue[T]) Abandon() {
	q.Close()
	q.once.Do(func() { close(q.abandon) })
}

// Len returns the number of undelivered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Done is closed when the pump has exited.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Queue[T]) run() {
	defer close(q.done)
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.signal:
				continue
			case <-q.abandon:
				return
			}
		}

		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.abandon:
			return
		}
	}
}
