// Package cron runs the pipeline jobs on wall-clock aligned schedules.
//
// A job either runs on a grid of period Every anchored at local midnight
// (optionally shifted by an At offset), or on a standard 5-field cron
// expression. The scheduler is polled: each tick runs every due job in
// registration order on the scheduler goroutine, then recomputes its next
// slot from the current time. Missed slots are not replayed.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/loykin/fielddaq/internal/clock"
)

// DefaultTick is how often Run checks for due jobs.
const DefaultTick = time.Second

// Job is a named unit of periodic work.
//
// Exactly one of Every or Schedule must be set. Every is at most one day,
// since the grid restarts at midnight. At is only valid with Every and is
// an offset into each period: ":SS", "MM:SS" or "HH:MM:SS".
// Schedule accepts "@every <duration>" or a standard cron expression.
type Job struct {
	Name     string
	Every    time.Duration
	At       string
	Schedule string
	Run      func(ctx context.Context) error

	offset time.Duration
	cron   robfig.Schedule

	mu       sync.Mutex
	lastRun  time.Time
	nextRun  time.Time
	lastDur  time.Duration
	lastErr  error
	runs     int
	failures int
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	LastRun      time.Time     `json:"last_run"`
	NextRun      time.Time     `json:"next_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("not an @every schedule: %s", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

// ParseAnchor converts an At anchor into an offset from the start of the
// period.
func ParseAnchor(at string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(at), ":")
	var h, m, s int
	var err error
	switch {
	case len(parts) == 2 && parts[0] == "":
		s, err = anchorField(parts[1], 59)
	case len(parts) == 2:
		if m, err = anchorField(parts[0], 59); err == nil {
			s, err = anchorField(parts[1], 59)
		}
	case len(parts) == 3:
		if h, err = anchorField(parts[0], 23); err == nil {
			if m, err = anchorField(parts[1], 59); err == nil {
				s, err = anchorField(parts[2], 59)
			}
		}
	default:
		err = errors.New("expected :SS, MM:SS or HH:MM:SS")
	}
	if err != nil {
		return 0, fmt.Errorf("invalid anchor %q: %w", at, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
}

// FormatAnchor renders an offset shorter than a day as an HH:MM:SS anchor.
func FormatAnchor(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func anchorField(s string, max int) (int, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("field %q must have two digits", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, fmt.Errorf("field %q out of range 0-%d", s, max)
	}
	return n, nil
}

// validate enforces job constraints and resolves the schedule.
func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s requires a run function", j.Name)
	}
	if j.Schedule != "" {
		if j.Every > 0 || j.At != "" {
			return fmt.Errorf("job %s: schedule cannot be combined with every/at", j.Name)
		}
		if d, err := parseEvery(j.Schedule); err == nil {
			j.Every = d
			j.Schedule = ""
		} else if strings.HasPrefix(strings.TrimSpace(j.Schedule), "@every") {
			return fmt.Errorf("job %s: %w", j.Name, err)
		} else {
			sched, err := robfig.ParseStandard(j.Schedule)
			if err != nil {
				return fmt.Errorf("job %s: invalid cron expression: %w", j.Name, err)
			}
			j.cron = sched
			return nil
		}
	}
	if j.Every <= 0 {
		return fmt.Errorf("job %s requires a schedule or a positive interval", j.Name)
	}
	if j.Every > 24*time.Hour {
		return fmt.Errorf("job %s: interval %s exceeds one day; use a cron expression", j.Name, j.Every)
	}
	if j.At != "" {
		off, err := ParseAnchor(j.At)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		if off >= j.Every {
			return fmt.Errorf("job %s: anchor %s is not inside the %s period", j.Name, j.At, j.Every)
		}
		j.offset = off
	}
	return nil
}

// next returns the earliest slot strictly after now.
func (j *Job) next(now time.Time) time.Time {
	if j.cron != nil {
		return j.cron.Next(now)
	}
	return gridNext(now, j.Every, j.offset)
}

// gridNext walks a grid of period every starting at local midnight plus
// offset. The grid restarts each day, so periods that do not divide 24h
// still land on the same wall-clock slots every day.
func gridNext(now time.Time, every, offset time.Duration) time.Time {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(offset)
	if now.Before(start) {
		return start
	}
	next := start.Add((now.Sub(start)/every + 1) * every)
	if tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Add(offset); next.After(tomorrow) {
		next = tomorrow
	}
	return next
}

func (j *Job) describe() string {
	if j.cron != nil {
		return j.Schedule
	}
	if j.At != "" {
		return fmt.Sprintf("every %s at %s", j.Every, j.At)
	}
	return fmt.Sprintf("every %s", j.Every)
}

func (j *Job) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{
		Name:         j.Name,
		Schedule:     j.describe(),
		LastRun:      j.lastRun,
		NextRun:      j.nextRun,
		LastDuration: j.lastDur,
		Runs:         j.runs,
		Failures:     j.failures,
	}
	if j.lastErr != nil {
		st.LastError = j.lastErr.Error()
	}
	return st
}

// RunInfo is passed to the observer after every job run.
type RunInfo struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the polling cadence of Run.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithObserver registers a callback invoked after every job run.
func WithObserver(fn func(RunInfo)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// Scheduler runs jobs on the clock it was given.
// Use Run for a blocking loop, or Start/Stop to run it in the background.
type Scheduler struct {
	clk     clock.Clock
	tick    time.Duration
	log     *slog.Logger
	observe func(RunInfo)

	mu      sync.Mutex
	jobs    []*Job
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(clk clock.Clock, opts ...Option) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Scheduler{clk: clk, tick: DefaultTick, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add validates job and schedules its first run after the current time.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %s already scheduled", job.Name)
		}
	}
	job.mu.Lock()
	job.nextRun = job.next(s.clk.Now())
	job.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns a snapshot of every job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.status())
	}
	return out
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// RunPending runs every job that is due, in registration order, and
// returns how many ran. Jobs get a context that is not cancelled by the
// caller's stop signal, so an in-flight job always completes.
func (s *Scheduler) RunPending(ctx context.Context) int {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	ran := 0
	for _, j := range jobs {
		now := s.clk.Now()
		j.mu.Lock()
		due := !now.Before(j.nextRun)
		j.mu.Unlock()
		if !due {
			continue
		}
		s.runJob(jobCtx, j)
		ran++
	}
	return ran
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	start := s.clk.Now()
	err := safeRun(ctx, j)
	end := s.clk.Now()
	dur := end.Sub(start)

	j.mu.Lock()
	j.lastRun = start
	j.lastDur = dur
	j.lastErr = err
	j.runs++
	if err != nil {
		j.failures++
	}
	j.nextRun = j.next(end)
	next := j.nextRun
	j.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", "job", j.Name, "duration", dur, "err", err)
	} else {
		s.log.Debug("job done", "job", j.Name, "duration", dur, "next", next.Format(time.DateTime))
	}
	if s.observe != nil {
		s.observe(RunInfo{Job: j.Name, Started: start, Duration: dur, Err: err})
	}
}

func safeRun(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
	}()
	return j.Run(ctx)
}

// Run polls for due jobs until ctx is cancelled. A job already running
// when ctx is cancelled finishes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	t := s.clk.NewTicker(s.tick)
	defer t.Stop()
	s.RunPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if ctx.Err() != nil {
				return nil
			}
			s.RunPending(ctx)
		}
	}
}

// Start runs the scheduler in a background goroutine. Call Stop to end it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
	return nil
}

// Stop cancels a scheduler started with Start and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
