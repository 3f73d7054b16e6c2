package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/asynqlite/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Millisecond)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Millisecond)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Millisecond, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Millisecond},  // 1 * 2^0
		{2, 2 * time.Millisecond},  // 1 * 2^1
		{3, 4 * time.Millisecond},  // 1 * 2^2
		{4, 8 * time.Millisecond},  // 1 * 2^3
		{5, 16 * time.Millisecond}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Millisecond, 10*time.Millisecond)

	if got := e.Delay(5); got != 10*time.Millisecond {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Millisecond)
	}
	if got := e.Delay(20); got != 10*time.Millisecond {
		t.Errorf("Delay(20) = %v, want %v (capped at Max)", got, 10*time.Millisecond)
	}
}

func TestExponentialWithJitter_StaysInRange(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Millisecond, 8*time.Millisecond)

	for attempt := 1; attempt <= 8; attempt++ {
		base := time.Millisecond << (attempt - 1)
		if base > 8*time.Millisecond {
			base = 8 * time.Millisecond
		}
		for i := 0; i < 50; i++ {
			got := e.Delay(attempt)
			if got < base/2 || got > base {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, got, base/2, base)
			}
		}
	}
}

func TestExponentialWithJitter_KeepsFloor(t *testing.T) {
	// Equal jitter: the fixed half guarantees a retrying writer never
	// re-probes the lock immediately.
	e := backoff.NewExponentialWithJitter(4*time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		if got := e.Delay(3); got < 8*time.Millisecond {
			t.Fatalf("Delay(3) = %v, want at least half the 16ms base", got)
		}
	}
}

func TestExponential_NoOverflow(t *testing.T) {
	e := backoff.NewExponential(time.Second, 0)
	if got := e.Delay(500); got <= 0 {
		t.Errorf("Delay(500) = %v, want a positive saturated delay", got)
	}

	capped := backoff.NewExponential(time.Second, time.Minute)
	if got := capped.Delay(500); got != time.Minute {
		t.Errorf("Delay(500) = %v, want the cap", got)
	}
}

func TestDefaultStrategy_NotNil(t *testing.T) {
	s := backoff.DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy returned nil")
	}
	if got := s.Delay(1); got < 0 {
		t.Errorf("Delay(1) = %v, want non-negative", got)
	}
}
