// Package bus provides the in-memory queues that connect pipeline stages:
// live ticks into the aggregator, finalized candles and re-evaluation
// triggers into the strategy layer.
package bus

import (
	"context"
	"sync"
	"time"

	"main/pkg/backoff"
	"main/pkg/exception"
)

// Queue is an unbounded multi-producer FIFO. Producers never block, so a slow
// consumer grows the backlog instead of stalling the feed callback.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

// NewQueue allocates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Publish appends an item.
func (q *Queue[T]) Publish(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return exception.ErrQueueClosed
	}
	q.items = append(q.items, v)
	return nil
}

// TryDequeue pops the oldest item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// Len returns the current backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue from accepting new items. Buffered items remain
// dequeueable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Run drains the queue into handler, strictly in publish order, until the
// context is done or the queue is closed and empty. Empty polls back off with
// the linear policy; the wait resets on every successful dequeue.
func (q *Queue[T]) Run(ctx context.Context, policy *backoff.Linear, handler func(T)) {
	if policy == nil {
		policy = backoff.DefaultLinear()
	}
	for {
		if v, ok := q.TryDequeue(); ok {
			policy.Reset()
			handler(v)
			continue
		}
		if ctx.Err() != nil || q.isClosed() {
			return
		}
		if wait := policy.Next(); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}
