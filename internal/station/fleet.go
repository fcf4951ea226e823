package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/cron"
	"github.com/loykin/fielddaq/internal/daqerr"
	"github.com/loykin/fielddaq/internal/history"
	"github.com/loykin/fielddaq/internal/metrics"
	"github.com/loykin/fielddaq/internal/transfer"
)

// Deps are the shared services of a Fleet.
type Deps struct {
	Clock    clock.Clock
	Log      *slog.Logger
	Recorder *history.Recorder
	// Remote overrides the remote built from the transfer section.
	Remote transfer.Remote
	// Simulate replaces every driver with the simulated one.
	Simulate bool
}

// Fleet is every enabled station of a configuration sharing one
// scheduler.
type Fleet struct {
	cfg      *config.Config
	stations []*Station
	sched    *cron.Scheduler
	host     *metrics.HostSampler
	log      *slog.Logger
}

// NewFleet builds a station per enabled instrument. The scheduler is
// created but no job is registered until Register.
func NewFleet(cfg *config.Config, d Deps) (*Fleet, error) {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	remote := d.Remote
	if remote == nil {
		r, err := transfer.FromConfig(cfg.Transfer)
		if err != nil {
			return nil, err
		}
		remote = r
	}
	f := &Fleet{
		cfg: cfg,
		log: d.Log,
		sched: cron.NewScheduler(d.Clock,
			cron.WithTick(cfg.Scheduler.Tick),
			cron.WithLogger(d.Log),
			cron.WithObserver(func(ri cron.RunInfo) { metrics.ObserveJob(ri.Job, ri.Duration, ri.Err) }),
		),
		host: metrics.NewHostSampler(cfg.Paths.Data, cfg.Paths.Staging),
	}
	for _, ic := range cfg.Enabled() {
		if d.Simulate {
			ic.Simulate = true
		}
		st, err := New(Options{
			Instrument:      ic,
			Remote:          remote,
			RemoteRoot:      cfg.Transfer.RemoteRoot,
			RemoveOnSuccess: cfg.Transfer.RemoveOnSuccess,
			TransferTimeout: cfg.Transfer.Timeout,
			StageOffset:     cfg.Scheduler.StageOffset,
			TransferOffset:  cfg.Scheduler.TransferOffset,
			Clock:           d.Clock,
			Log:             d.Log,
			Recorder:        d.Recorder,
		})
		if err != nil {
			return nil, err
		}
		f.stations = append(f.stations, st)
	}
	if len(f.stations) == 0 {
		return nil, daqerr.Configf("no enabled instruments")
	}
	return f, nil
}

func (f *Fleet) Scheduler() *cron.Scheduler { return f.sched }
func (f *Fleet) Stations() []*Station       { return f.stations }

// Station looks up a station by instrument name.
func (f *Fleet) Station(name string) (*Station, error) {
	for _, s := range f.stations {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, daqerr.Configf("instrument %q is not configured or disabled", name)
}

// Register adds every station's jobs plus the disk check.
func (f *Fleet) Register() error {
	for _, s := range f.stations {
		if err := s.Register(f.sched); err != nil {
			return daqerr.Config("schedule", s.Name(), err)
		}
	}
	if f.cfg.Scheduler.DiskCheck > 0 {
		if err := f.sched.Add(&cron.Job{Name: "disk", Every: f.cfg.Scheduler.DiskCheck, Run: f.host.Sample}); err != nil {
			return daqerr.Config("schedule", "disk", err)
		}
	}
	return nil
}

// Configure runs Configure on every station. A failing instrument is
// logged and does not stop the others.
func (f *Fleet) Configure(ctx context.Context) {
	for _, s := range f.stations {
		if err := s.Configure(ctx); err != nil {
			f.log.Warn("instrument configuration failed", "instrument", s.Name(), "err", err)
		}
	}
}

// TransferAll runs one transfer pass per station and joins the errors.
func (f *Fleet) TransferAll(ctx context.Context) (map[string]transfer.Report, error) {
	out := make(map[string]transfer.Report, len(f.stations))
	var errs []error
	for _, s := range f.stations {
		rep, err := s.Transfer(ctx)
		out[s.Name()] = rep
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return out, errors.Join(errs...)
}

// SaveAll flushes every buffer, used on shutdown so buffered readings
// reach disk.
func (f *Fleet) SaveAll(ctx context.Context) error {
	var errs []error
	for _, s := range f.stations {
		if _, err := s.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the status of every station in configuration order.
func (f *Fleet) Status() []Status {
	out := make([]Status, 0, len(f.stations))
	for _, s := range f.stations {
		out = append(out, s.Status())
	}
	return out
}

// Jobs returns the scheduler snapshot.
func (f *Fleet) Jobs() []cron.JobStatus { return f.sched.Jobs() }

// Running reports whether the scheduler loop is active.
func (f *Fleet) Running() bool { return f.sched.Running() }
