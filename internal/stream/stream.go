// Package stream implements latest-value observable streams with bounded replay.
//
// A Stream keeps a guarded current value plus a fixed-size ring of the most
// recent publications. New subscribers first receive the replayed values, then
// every live publication, in arrival order. Publishing never blocks: each
// subscriber has its own unbounded Queue drained by a dedicated goroutine.
package stream

import (
	"context"
	"sync"
)

// Stream is a multi-subscriber broadcast of T values.
type Stream[T any] struct {
	mu sync.Mutex

	// ring holds the replay buffer; head is the index of the oldest entry.
	ring  []T
	head  int
	count int

	current  T
	hasValue bool
	equal    func(a, b T) bool

	subs   map[*Queue[T]]struct{}
	closed bool
}

// Option configures a Stream.
type Option[T any] func(*Stream[T])

// WithEqual suppresses publications equal to the current value.
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(s *Stream[T]) { s.equal = equal }
}

// New creates a stream that replays the last replay values to new subscribers.
// replay values below 1 are treated as 1.
func New[T any](replay int, opts ...Option[T]) *Stream[T] {
	if replay < 1 {
		replay = 1
	}
	s := &Stream[T]{
		ring: make([]T, replay),
		subs: make(map[*Queue[T]]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewState creates a latest-value stream seeded with initial.
// It replays only the current value and drops consecutive duplicates.
func NewState[T comparable](initial T) *Stream[T] {
	s := New[T](1, WithEqual(func(a, b T) bool { return a == b }))
	s.Publish(initial)
	return s
}

// Publish records v and fans it out to every subscriber.
// Publications after Close only update the current value.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasValue && s.equal != nil && s.equal(s.current, v) {
		return
	}

	s.current = v
	s.hasValue = true
	s.push(v)

	if s.closed {
		return
	}
	for q := range s.subs {
		q.Push(v)
	}
}

// push appends to the ring, evicting the oldest entry when full.
func (s *Stream[T]) push(v T) {
	size := len(s.ring)
	if s.count < size {
		s.ring[(s.head+s.count)%size] = v
		s.count++
		return
	}
	s.ring[s.head] = v
	s.head = (s.head + 1) % size
}

// Value returns the most recently published value.
func (s *Stream[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasValue
}

// Replay returns the buffered values, oldest first.
func (s *Stream[T]) Replay() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayLocked()
}

func (s *Stream[T]) replayLocked() []T {
	out := make([]T, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.head+i)%len(s.ring)])
	}
	return out
}

// ResetReplay empties the replay buffer. The current value is kept.
func (s *Stream[T]) ResetReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	for i := range s.ring {
		s.ring[i] = zero
	}
	s.head = 0
	s.count = 0
}

// Subscribe returns a channel that yields the replay buffer followed by live
// publications. The channel closes when ctx is done or the stream is closed.
func (s *Stream[T]) Subscribe(ctx context.Context) <-chan T {
	q := NewQueue[T]()

	s.mu.Lock()
	for _, v := range s.replayLocked() {
		q.Push(v)
	}
	if s.closed {
		s.mu.Unlock()
		q.Close()
		return q.Out()
	}
	s.subs[q] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(q)
			q.Abandon()
		case <-q.Done():
		}
	}()

	return q.Out()
}

func (s *Stream[T]) unsubscribe(q *Queue[T]) {
	s.mu.Lock()
	delete(s.subs, q)
	s.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription after pending values are delivered.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*Queue[T]]struct{})
	s.mu.Unlock()

	for q := range subs {
		q.Close()
	}
}

// Closed reports whether Close has been called.
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
