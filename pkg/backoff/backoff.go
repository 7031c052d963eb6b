// Package backoff implements the idle-poll backoff policy used by queue
// consumers: zero wait after a successful dequeue, then a linearly growing
// sleep while the queue stays empty, capped so latency stays bounded.
package backoff

import "time"

// Linear grows by Step on every empty poll and resets to zero on success.
type Linear struct {
	Step time.Duration
	Max  time.Duration

	wait time.Duration
}

// DefaultLinear matches the live tick consumer: 1ms growth, 50ms cap.
func DefaultLinear() *Linear {
	return &Linear{
		Step: time.Millisecond,
		Max:  50 * time.Millisecond,
	}
}

// Next returns the wait before the next poll and advances the policy.
func (l *Linear) Next() time.Duration {
	cur := l.wait

	step := l.Step
	if step <= 0 {
		step = time.Millisecond
	}
	max := l.Max
	if max <= 0 {
		max = 50 * time.Millisecond
	}

	next := l.wait + step
	if next > max {
		next = max
	}
	l.wait = next

	return cur
}

// Reset returns the policy to the no-wait state.
func (l *Linear) Reset() {
	l.wait = 0
}
