package clock

import (
	"testing"
	"time"
)

func TestDelayToNextGrid(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.Local)
	cases := []struct {
		now  time.Time
		n    int
		want time.Duration
	}{
		{base, 1, 0},
		{base, 5, 0},
		{base.Add(30 * time.Second), 1, 30 * time.Second},
		{base.Add(2*time.Minute + 15*time.Second), 5, 2*time.Minute + 45*time.Second},
		{base.Add(5*time.Minute + time.Second), 5, 4*time.Minute + 59*time.Second},
		{base.Add(59*time.Minute + 59*time.Second), 10, time.Second},
		{base.Add(57 * time.Minute), 7, 3 * time.Minute},
		{base.Add(500 * time.Millisecond), 0, 59500 * time.Millisecond},
	}
	for _, c := range cases {
		if got := DelayToNextGrid(c.now, c.n); got != c.want {
			t.Fatalf("DelayToNextGrid(%s, %d) = %s, want %s", c.now.Format("15:04:05.000"), c.n, got, c.want)
		}
	}
}

func TestDelayToNextGridLandsOnBoundary(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 41, 12, 345, time.Local)
	for _, n := range []int{1, 2, 5, 10, 15, 30, 60} {
		at := now.Add(DelayToNextGrid(now, n))
		if at.Second() != 0 || at.Nanosecond() != 0 || at.Minute()%n != 0 {
			t.Fatalf("n=%d: landed on %s", n, at.Format("15:04:05.000000000"))
		}
		if !at.After(now) {
			t.Fatalf("n=%d: boundary %s not after now", n, at)
		}
	}
}

func TestFakeAfterAndTicker(t *testing.T) {
	c := Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := c.After(2 * time.Second)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(time.Second)
	select {
	case <-ch:
		t.Fatalf("after fired early")
	default:
	}
	select {
	case <-tk.C:
	default:
		t.Fatalf("expected tick after 1s")
	}

	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatalf("after did not fire at deadline")
	}
	if c.Pending() != 1 {
		t.Fatalf("expected only the ticker pending, got %d", c.Pending())
	}
}

func TestSleepUntilInterrupted(t *testing.T) {
	c := Fake(time.Now())
	done := make(chan struct{})
	close(done)
	if SleepUntil(c, time.Hour, done) {
		t.Fatalf("expected interrupted sleep")
	}
	if !SleepUntil(c, 0, nil) {
		t.Fatalf("zero delay should complete")
	}
}
