package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/fielddaq/internal/clock"
)

var day = time.Date(2024, 6, 3, 0, 0, 0, 0, time.Local)

func TestParseEvery(t *testing.T) {
	if _, err := parseEvery("@every 100ms"); err != nil {
		t.Fatalf("parse every: %v", err)
	}
	if _, err := parseEvery("every 1s"); err == nil {
		t.Fatalf("expected error for missing '@'")
	}
	if _, err := parseEvery("@every -1s"); err == nil {
		t.Fatalf("expected error for non-positive duration")
	}
}

func TestParseAnchor(t *testing.T) {
	cases := map[string]time.Duration{
		":00":      0,
		":30":      30 * time.Second,
		"00:01":    time.Second,
		"05:10":    5*time.Minute + 10*time.Second,
		"00:00:10": 10 * time.Second,
		"13:00:02": 13*time.Hour + 2*time.Second,
	}
	for in, want := range cases {
		got, err := ParseAnchor(in)
		if err != nil || got != want {
			t.Fatalf("ParseAnchor(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "1", ":5", ":60", "60:00", "24:00:00", "a:bb", "1:2:3:4"} {
		if _, err := ParseAnchor(bad); err == nil {
			t.Fatalf("ParseAnchor(%q): expected error", bad)
		}
	}
}

func TestFormatAnchorRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, time.Second, 10 * time.Second, 61 * time.Minute, 13*time.Hour + 2*time.Second} {
		got, err := ParseAnchor(FormatAnchor(d))
		if err != nil || got != d {
			t.Fatalf("round trip %s: %s (%s), %v", d, FormatAnchor(d), got, err)
		}
	}
}

func TestGridNext(t *testing.T) {
	cases := []struct {
		now    time.Time
		every  time.Duration
		offset time.Duration
		want   time.Time
	}{
		{day.Add(8 * time.Hour), time.Minute, 0, day.Add(8*time.Hour + time.Minute)},
		{day.Add(8*time.Hour + 2*time.Minute), 5 * time.Minute, 0, day.Add(8*time.Hour + 5*time.Minute)},
		{day.Add(8 * time.Hour), time.Hour, time.Second, day.Add(8*time.Hour + time.Second)},
		{day.Add(8*time.Hour + time.Second), time.Hour, time.Second, day.Add(9*time.Hour + time.Second)},
		{day.Add(8 * time.Hour), time.Hour, 10 * time.Second, day.Add(8*time.Hour + 10*time.Second)},
		{day.Add(23*time.Hour + 30*time.Minute), 24 * time.Hour, time.Second, day.Add(24*time.Hour + time.Second)},
		// 7 minutes does not divide a day; the grid restarts at midnight
		{day.Add(23*time.Hour + 58*time.Minute), 7 * time.Minute, 0, day.Add(24 * time.Hour)},
	}
	for i, c := range cases {
		if got := gridNext(c.now, c.every, c.offset); !got.Equal(c.want) {
			t.Fatalf("case %d: gridNext = %s, want %s", i, got, c.want)
		}
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(clock.Fake(day))
	noop := func(context.Context) error { return nil }
	bad := []*Job{
		{Name: "", Every: time.Minute, Run: noop},
		{Name: "a", Run: noop},
		{Name: "b", Every: time.Minute},
		{Name: "c", Every: time.Minute, At: "01:00", Run: noop},
		{Name: "d", Schedule: "not a cron", Run: noop},
		{Name: "e", Schedule: "@every 1m", At: ":00", Run: noop},
		{Name: "f", Schedule: "@every nope", Run: noop},
		{Name: "g", Every: 48 * time.Hour, Run: noop},
		{Name: "h", Schedule: "@every 36h", Run: noop},
	}
	for _, j := range bad {
		if err := s.Add(j); err == nil {
			t.Fatalf("job %q: expected validation error", j.Name)
		}
	}
	if err := s.Add(&Job{Name: "ok", Every: time.Minute, At: ":00", Run: noop}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Job{Name: "daily", Every: 24 * time.Hour, At: "00:10:00", Run: noop}); err != nil {
		t.Fatalf("a one-day interval is allowed: %v", err)
	}
	if err := s.Add(&Job{Name: "ok", Every: time.Minute, Run: noop}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestFiveMinuteJobOnlyFiresOnMultiplesOfFive(t *testing.T) {
	clk := clock.Fake(day.Add(8*time.Hour + 2*time.Minute + 17*time.Second))
	s := NewScheduler(clk)
	var fired []time.Time
	if err := s.Add(&Job{Name: "flush", Every: 5 * time.Minute, At: ":00", Run: func(context.Context) error {
		fired = append(fired, clk.Now())
		return nil
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3600; i++ {
		clk.Advance(time.Second)
		s.RunPending(ctx)
	}
	if len(fired) != 12 {
		t.Fatalf("expected 12 runs in an hour, got %d", len(fired))
	}
	for _, at := range fired {
		if at.Minute()%5 != 0 || at.Second() != 0 {
			t.Fatalf("job fired off-grid at %s", at.Format(time.TimeOnly))
		}
	}
}

func TestRunPendingOrderAndNoCatchUp(t *testing.T) {
	clk := clock.Fake(day.Add(8 * time.Hour))
	s := NewScheduler(clk)
	var order []string
	add := func(name string, at string) {
		if err := s.Add(&Job{Name: name, Every: time.Minute, At: at, Run: func(context.Context) error {
			order = append(order, name)
			return nil
		}}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("acquire", ":00")
	add("save", ":00")

	// the first slot is strictly after registration
	if n := s.RunPending(context.Background()); n != 0 {
		t.Fatalf("expected nothing due at registration time, ran %d", n)
	}

	// skip 30 missed slots in one jump
	clk.Advance(30 * time.Minute)
	if n := s.RunPending(context.Background()); n != 2 {
		t.Fatalf("expected exactly one run per job, ran %d", n)
	}
	if len(order) != 2 || order[0] != "acquire" || order[1] != "save" {
		t.Fatalf("unexpected order: %v", order)
	}
	for _, st := range s.Jobs() {
		if want := day.Add(8*time.Hour + 31*time.Minute); !st.NextRun.Equal(want) {
			t.Fatalf("%s next run = %s, want %s", st.Name, st.NextRun, want)
		}
		if st.Runs != 1 {
			t.Fatalf("%s runs = %d", st.Name, st.Runs)
		}
	}
}

func TestFailingAndPanickingJobsStayScheduled(t *testing.T) {
	clk := clock.Fake(day.Add(8 * time.Hour))
	var infos []RunInfo
	s := NewScheduler(clk, WithObserver(func(ri RunInfo) { infos = append(infos, ri) }))
	boom := errors.New("boom")
	_ = s.Add(&Job{Name: "err", Every: time.Minute, Run: func(context.Context) error { return boom }})
	_ = s.Add(&Job{Name: "panic", Every: time.Minute, Run: func(context.Context) error { panic("bad") }})

	for i := 0; i < 2; i++ {
		clk.Advance(time.Minute)
		if n := s.RunPending(context.Background()); n != 2 {
			t.Fatalf("round %d: ran %d", i, n)
		}
	}
	if len(infos) != 4 || !errors.Is(infos[0].Err, boom) || infos[1].Err == nil {
		t.Fatalf("unexpected observer calls: %+v", infos)
	}
	for _, st := range s.Jobs() {
		if st.Failures != 2 || st.LastError == "" {
			t.Fatalf("unexpected status: %+v", st)
		}
	}
}

func TestCronExpressionSchedule(t *testing.T) {
	clk := clock.Fake(day.Add(8*time.Hour + 7*time.Minute))
	s := NewScheduler(clk)
	if err := s.Add(&Job{Name: "quarter", Schedule: "*/15 * * * *", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("add: %v", err)
	}
	st := s.Jobs()[0]
	if want := day.Add(8*time.Hour + 15*time.Minute); !st.NextRun.Equal(want) {
		t.Fatalf("next = %s, want %s", st.NextRun, want)
	}
	if st.Schedule != "*/15 * * * *" {
		t.Fatalf("schedule = %q", st.Schedule)
	}
}

func TestJobsGetDetachedContext(t *testing.T) {
	clk := clock.Fake(day.Add(8 * time.Hour))
	s := NewScheduler(clk)
	var jobErr error
	_ = s.Add(&Job{Name: "io", Every: time.Minute, Run: func(ctx context.Context) error {
		jobErr = ctx.Err()
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk.Advance(time.Minute)
	s.RunPending(ctx)
	if jobErr != nil {
		t.Fatalf("job context should not be cancelled: %v", jobErr)
	}
}

func TestStartStop(t *testing.T) {
	clk := clock.Fake(day.Add(8 * time.Hour))
	s := NewScheduler(clk, WithTick(time.Second))
	ran := make(chan struct{}, 1)
	_ = s.Add(&Job{Name: "tick", Every: time.Second, Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatalf("expected error on double start")
	}
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
	s.Stop()
	if s.Running() {
		t.Fatalf("scheduler still running after Stop")
	}
	s.Stop()
}
