// Package clock provides the time source used by the scheduler and the
// pipeline, plus the wall-clock grid alignment used at daemon start.
package clock

import "time"

// Clock abstracts the time operations the daemon needs. Production code
// uses Real(); tests use Fake() and move time with Advance.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If
	// d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
	Sleep(d time.Duration)
}

// Ticker delivers ticks on C (capacity 1; slow consumers drop ticks).
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// DelayToNextGrid returns the time until the wall-clock minute-of-hour is
// next a multiple of n with zero seconds. When now is exactly on such a
// boundary it returns 0. n <= 0 is treated as 1.
func DelayToNextGrid(now time.Time, n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	if now.Minute()%n == 0 && now.Second() == 0 && now.Nanosecond() == 0 {
		return 0
	}
	top := now.Truncate(time.Minute)
	// Minute-of-hour grid: restart at every hour even when 60%n != 0.
	next := top.Add(time.Duration(n-top.Minute()%n) * time.Minute)
	if hour := top.Truncate(time.Hour).Add(time.Hour); next.After(hour) {
		next = hour
	}
	return next.Sub(now)
}

// SleepUntil waits for d on clk or until done is closed. It reports
// whether the full delay elapsed.
func SleepUntil(clk Clock, d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-clk.After(d):
		return true
	case <-done:
		return false
	}
}
