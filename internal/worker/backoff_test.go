package worker

import (
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	cap := time.Hour // high enough to not flatten these attempts

	for attempt := 1; attempt <= 6; attempt++ {
		lower := base << (attempt - 1)
		upper := base << attempt

		// Jitter is random; sample enough times to catch bound violations.
		for i := 0; i < 100; i++ {
			d := Backoff(attempt, base, cap)
			if d < lower || d >= upper {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, lower, upper)
			}
		}
	}
}

func TestBackoffMonotonicLowerBound(t *testing.T) {
	t.Parallel()

	base := 50 * time.Millisecond
	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		lower := base << (attempt - 1)
		if lower <= prev {
			t.Fatalf("attempt %d: lower bound %v not greater than previous %v", attempt, lower, prev)
		}
		prev = lower
	}
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()

	base := time.Second
	cap := 5 * time.Second

	for i := 0; i < 100; i++ {
		if d := Backoff(10, base, cap); d != cap {
			t.Fatalf("attempt 10 with cap %v: got %v", cap, d)
		}
	}
}

func TestBackoffLargeAttemptNoOverflow(t *testing.T) {
	t.Parallel()

	cap := time.Hour
	if d := Backoff(500, time.Second, cap); d != cap {
		t.Fatalf("attempt 500: got %v, want cap %v", d, cap)
	}
}

func TestBackoffZeroAttempt(t *testing.T) {
	t.Parallel()

	// Attempt below 1 is clamped; must still be a positive delay.
	if d := Backoff(0, time.Second, time.Minute); d <= 0 {
		t.Fatalf("got non-positive delay %v", d)
	}
}
