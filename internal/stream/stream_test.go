package stream

import (
	"context"
	"sync"
	"testing"
	"time"
)

const recvTimeout = 2 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return v
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func expectClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	deadline := time.After(recvTimeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestQueue_PreservesOrder(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) rejected", i)
		}
	}
	q.Close()

	next := 0
	for v := range q.Out() {
		if v != next {
			t.Fatalf("got %d, want %d", v, next)
		}
		next++
	}
	if next != 100 {
		t.Errorf("received %d items, want 100", next)
	}
	if q.Push(1) {
		t.Error("Push after Close accepted")
	}
}

func TestQueue_AbandonDropsPending(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Abandon()

	select {
	case <-q.Done():
	case <-time.After(recvTimeout):
		t.Fatal("pump did not exit after Abandon")
	}
}

func TestStream_ReplayBounded(t *testing.T) {
	s := New[int](5)
	for i := 1; i <= 8; i++ {
		s.Publish(i)
	}

	got := s.Replay()
	want := []int{4, 5, 6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("Replay() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Replay() = %v, want %v", got, want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)
	for _, w := range want {
		if v := recv(t, ch); v != w {
			t.Errorf("replayed %d, want %d", v, w)
		}
	}

	s.Publish(9)
	if v := recv(t, ch); v != 9 {
		t.Errorf("live value %d, want 9", v)
	}
}

func TestStream_ResetReplayKeepsCurrent(t *testing.T) {
	s := New[string](5)
	s.Publish("a")
	s.Publish("b")
	s.ResetReplay()

	if len(s.Replay()) != 0 {
		t.Errorf("Replay() after reset = %v, want empty", s.Replay())
	}
	if v, ok := s.Value(); !ok || v != "b" {
		t.Errorf("Value() = %q, %v; want b, true", v, ok)
	}

	s.Publish("c")
	if got := s.Replay(); len(got) != 1 || got[0] != "c" {
		t.Errorf("Replay() = %v, want [c]", got)
	}
}

func TestNewState_AlwaysHasValueAndDedupes(t *testing.T) {
	s := NewState("idle")
	if v, ok := s.Value(); !ok || v != "idle" {
		t.Fatalf("Value() = %q, %v; want idle, true", v, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)
	if v := recv(t, ch); v != "idle" {
		t.Fatalf("first value %q, want idle", v)
	}

	s.Publish("idle")
	s.Publish("busy")
	if v := recv(t, ch); v != "busy" {
		t.Errorf("got %q, want busy (duplicate idle should be dropped)", v)
	}
}

func TestStream_UnsubscribeOnContextCancel(t *testing.T) {
	s := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)

	if s.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", s.SubscriberCount())
	}

	cancel()
	expectClosed(t, ch)

	deadline := time.Now().Add(recvTimeout)
	for s.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount after cancel = %d, want 0", s.SubscriberCount())
	}
}

func TestStream_CloseDeliversPendingThenCloses(t *testing.T) {
	s := New[int](1)
	ch := s.Subscribe(context.Background())

	s.Publish(1)
	s.Publish(2)
	s.Close()

	if v := recv(t, ch); v != 1 {
		t.Errorf("got %d, want 1", v)
	}
	if v := recv(t, ch); v != 2 {
		t.Errorf("got %d, want 2", v)
	}
	expectClosed(t, ch)

	// Late subscribers still see the last value.
	late := s.Subscribe(context.Background())
	if v := recv(t, late); v != 2 {
		t.Errorf("late subscriber got %d, want 2", v)
	}
	expectClosed(t, late)
}

func TestStream_PublishNeverBlocks(t *testing.T) {
	s := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx) // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(recvTimeout):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestStream_ConcurrentPublishersOrderPerSubscriber(t *testing.T) {
	s := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Publish(i)
			}
		}()
	}
	wg.Wait()

	// Both subscribers must observe the identical sequence.
	for i := 0; i < 200; i++ {
		va := recv(t, a)
		vb := recv(t, b)
		if va != vb {
			t.Fatalf("subscribers diverged at %d: %d vs %d", i, va, vb)
		}
	}
}
