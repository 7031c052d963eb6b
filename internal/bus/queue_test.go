package bus

import (
	"context"
	"testing"
	"time"

	"main/pkg/backoff"
	"main/pkg/exception"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 100; i++ {
		if err := q.Publish(i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := q.Len(); got != 100 {
		t.Fatalf("len: got %d want 100", got)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.TryDequeue()
		if !ok || v != i {
			t.Fatalf("dequeue %d: got %d ok=%v", i, v, ok)
		}
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("dequeue from empty queue succeeded")
	}
}

func TestQueuePublishAfterClose(t *testing.T) {
	q := NewQueue[int]()
	if err := q.Publish(1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	q.Close()
	if err := q.Publish(2); err != exception.ErrQueueClosed {
		t.Fatalf("publish after close: got %v want %v", err, exception.ErrQueueClosed)
	}
	// buffered item still drains
	if v, ok := q.TryDequeue(); !ok || v != 1 {
		t.Fatalf("dequeue after close: got %d ok=%v", v, ok)
	}
}

func TestQueueRunDrainsInOrder(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 10; i++ {
		_ = q.Publish(i)
	}
	q.Close()

	var got []int
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q.Run(ctx, &backoff.Linear{Step: time.Microsecond, Max: time.Millisecond}, func(v int) {
		got = append(got, v)
	})
	if len(got) != 10 {
		t.Fatalf("drained %d items, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d: got %d", i, v)
		}
	}
}

func TestQueueRunStopsOnContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, nil, func(int) {})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
