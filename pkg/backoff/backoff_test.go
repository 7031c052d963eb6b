package backoff

import (
	"testing"
	"time"
)

func TestLinearGrowsFromZero(t *testing.T) {
	l := &Linear{Step: time.Millisecond, Max: 3 * time.Millisecond}

	want := []time.Duration{
		0,
		time.Millisecond,
		2 * time.Millisecond,
		3 * time.Millisecond,
		3 * time.Millisecond,
	}
	for i, w := range want {
		if got := l.Next(); got != w {
			t.Fatalf("poll %d: got %v want %v", i, got, w)
		}
	}
}

func TestLinearResetOnSuccess(t *testing.T) {
	l := &Linear{Step: time.Millisecond, Max: 10 * time.Millisecond}

	for i := 0; i < 5; i++ {
		l.Next()
	}
	l.Reset()
	if got := l.Next(); got != 0 {
		t.Fatalf("after reset: got %v want 0", got)
	}
}

func TestLinearDefaults(t *testing.T) {
	var l Linear

	l.wait = time.Hour
	if got := l.Next(); got != time.Hour {
		t.Fatalf("current wait: got %v", got)
	}
	// zero Step/Max fall back to 1ms / 50ms
	if l.wait != 50*time.Millisecond {
		t.Fatalf("capped wait: got %v want 50ms", l.wait)
	}
}
