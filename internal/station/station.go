// Package station wires one instrument's acquire, save, stage and transfer
// pipeline onto the scheduler.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/loykin/fielddaq/internal/buffer"
	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/cron"
	"github.com/loykin/fielddaq/internal/daqerr"
	"github.com/loykin/fielddaq/internal/datafile"
	"github.com/loykin/fielddaq/internal/history"
	"github.com/loykin/fielddaq/internal/instrument"
	"github.com/loykin/fielddaq/internal/metrics"
	"github.com/loykin/fielddaq/internal/stage"
	"github.com/loykin/fielddaq/internal/transfer"
)

// Options configure a Station.
type Options struct {
	Instrument config.InstrumentConfig
	// Driver overrides the driver built from the registry.
	Driver instrument.Driver

	// Remote is the transfer destination; nil disables the transfer job.
	Remote          transfer.Remote
	RemoteRoot      string
	RemoveOnSuccess bool
	TransferTimeout time.Duration

	StageOffset    time.Duration
	TransferOffset time.Duration

	Clock    clock.Clock
	Log      *slog.Logger
	Recorder *history.Recorder
}

// Station owns the pipeline state of one instrument.
type Station struct {
	cfg      config.InstrumentConfig
	driver   instrument.Driver
	buf      *buffer.ReadingBuffer
	writer   *datafile.Writer
	stager   *stage.Stager
	client   *transfer.Client
	remote   string
	remove   bool
	stageOff time.Duration
	xferOff  time.Duration
	clk      clock.Clock
	log      *slog.Logger
	rec      *history.Recorder

	// link serializes driver access between acquisitions, fast samples
	// and one-off commands.
	link sync.Mutex

	mu     sync.Mutex
	status Status
}

// New builds the station and its driver. Configuration problems wrap
// daqerr.ErrConfig.
func New(o Options) (*Station, error) {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	cfg := o.Instrument
	log := o.Log.With("instrument", cfg.Name)

	drv := o.Driver
	if drv == nil {
		var err error
		drv, err = instrument.New(cfg, instrument.Deps{Clock: o.Clock, Log: log})
		if err != nil {
			return nil, err
		}
	}
	w, err := datafile.NewWriter(datafile.Options{
		Instrument:        cfg.Name,
		Dir:               cfg.DataPath,
		Extension:         cfg.Extension,
		Header:            cfg.Header,
		ReportingInterval: cfg.ReportingInterval,
		Nested:            cfg.Nested,
		Clock:             o.Clock,
	})
	if err != nil {
		return nil, err
	}

	s := &Station{
		cfg:      cfg,
		driver:   drv,
		buf:      buffer.New(),
		writer:   w,
		stager:   stage.New(cfg.StagingPath, stage.WithLogger(log)),
		remote:   path.Join(o.RemoteRoot, cfg.RemotePath),
		remove:   o.RemoveOnSuccess,
		stageOff: o.StageOffset,
		xferOff:  o.TransferOffset,
		clk:      o.Clock,
		log:      log,
		rec:      o.Recorder,
	}
	if o.Remote != nil {
		s.client = transfer.NewClient(o.Remote,
			transfer.WithLogger(log),
			transfer.WithTimeout(o.TransferTimeout),
			transfer.WithObserver(s.observeTransfer),
		)
	}
	s.status = Status{Name: cfg.Name, Kind: drv.Kind()}
	return s, nil
}

func (s *Station) Name() string                    { return s.cfg.Name }
func (s *Station) Config() config.InstrumentConfig { return s.cfg }
func (s *Station) Driver() instrument.Driver       { return s.driver }
func (s *Station) Buffer() *buffer.ReadingBuffer   { return s.buf }
func (s *Station) Writer() *datafile.Writer        { return s.writer }

// FormatLine renders a reading as a data file line without the newline.
func (s *Station) FormatLine(r instrument.Result) string {
	return strftime.Format(s.cfg.TimestampFormat, r.At) + s.cfg.Separator + r.Data
}

// Acquire takes one reading and appends it to the buffer. A failed
// reading is logged, counted and journaled; nothing is buffered.
func (s *Station) Acquire(ctx context.Context) instrument.Result {
	s.link.Lock()
	res := s.driver.Acquire(ctx)
	s.link.Unlock()
	if res.At.IsZero() {
		res.At = s.clk.Now()
	}

	metrics.ObserveReading(s.cfg.Name, res.Err)
	if !res.OK() {
		s.log.Warn("acquisition failed", "err", res.Err)
		s.recordErr(res.Err)
		s.rec.Record(ctx, history.NewEvent(history.EventAcquireFailed, s.cfg.Name, res.At, res.Err))
		return res
	}
	line := s.FormatLine(res)
	s.buf.Append(buffer.Reading{At: res.At, Line: line})
	n := s.buf.Len()
	metrics.SetBuffered(s.cfg.Name, n)
	s.log.Debug("acquired", "line", truncate(line, 60))
	s.update(func(st *Status) {
		st.Acquired++
		st.LastReadingAt = res.At
		st.LastData = res.Data
	})
	s.rec.Record(ctx, history.NewEvent(history.EventAcquired, s.cfg.Name, res.At, nil))
	return res
}

// Sample runs one fast sampling pass for drivers that support it.
func (s *Station) Sample(ctx context.Context) error {
	sm, ok := s.driver.(instrument.Sampler)
	if !ok {
		return nil
	}
	s.link.Lock()
	defer s.link.Unlock()
	return sm.Sample(ctx)
}

// Save flushes the buffer into the current bucket file and returns its
// path, or "" when there was nothing to write.
func (s *Station) Save(ctx context.Context) (string, error) {
	n := s.buf.Len()
	p, err := s.writer.Flush(s.buf)
	now := s.clk.Now()
	if err != nil {
		metrics.ObserveFlush(s.cfg.Name, err)
		s.log.Error("save failed", "err", err)
		s.recordErr(err)
		s.rec.Record(ctx, history.NewEvent(history.EventSaveFailed, s.cfg.Name, now, err))
		return "", err
	}
	if p == "" {
		return "", nil
	}
	metrics.ObserveFlush(s.cfg.Name, nil)
	metrics.SetBuffered(s.cfg.Name, s.buf.Len())
	metrics.SetPending(s.cfg.Name, s.writer.Pending().Len())
	s.log.Info("saved", "path", p, "readings", n)
	s.update(func(st *Status) { st.Saved++ })
	e := history.NewEvent(history.EventSaved, s.cfg.Name, now, nil)
	e.Path = p
	s.rec.Record(ctx, e)
	return p, nil
}

// Download runs the driver's download and queues the written files for
// staging. Files written before a failure are still queued.
func (s *Station) Download(ctx context.Context) ([]string, error) {
	dl, ok := s.driver.(instrument.Downloader)
	if !ok {
		return nil, fmt.Errorf("%s: download: %w", s.cfg.Name, ErrUnsupported)
	}
	s.link.Lock()
	paths, err := dl.Download(ctx, s.cfg.DataPath)
	s.link.Unlock()
	now := s.clk.Now()
	for _, p := range paths {
		s.writer.Pending().Add(p)
		metrics.ObserveFlush(s.cfg.Name, nil)
		e := history.NewEvent(history.EventSaved, s.cfg.Name, now, nil)
		e.Path = p
		s.rec.Record(ctx, e)
	}
	metrics.SetPending(s.cfg.Name, s.writer.Pending().Len())
	s.update(func(st *Status) {
		st.Saved += len(paths)
		if len(paths) > 0 {
			st.LastReadingAt = now
		}
	})
	if err != nil {
		metrics.ObserveFlush(s.cfg.Name, err)
		s.log.Error("download failed", "err", err)
		s.recordErr(err)
		s.rec.Record(ctx, history.NewEvent(history.EventSaveFailed, s.cfg.Name, now, err))
		return paths, err
	}
	s.log.Info("downloaded", "files", len(paths))
	return paths, nil
}

// Stage archives every completed data file. The bucket still being
// written is left for a later pass.
func (s *Station) Stage(ctx context.Context) (stage.Report, error) {
	rep := s.stager.StagePending(s.writer.Pending(), s.writer.CurrentPath())
	now := s.clk.Now()
	var errs []error
	for _, a := range rep.Staged {
		metrics.ObserveStage(s.cfg.Name, nil)
		e := history.NewEvent(history.EventStaged, s.cfg.Name, now, nil)
		e.Path, e.Bytes, e.Digest = a.Path, a.Size, a.Digest
		s.rec.Record(ctx, e)
	}
	for _, f := range rep.Failed {
		metrics.ObserveStage(s.cfg.Name, f.Err)
		e := history.NewEvent(history.EventStageFailed, s.cfg.Name, now, f.Err)
		e.Path = f.Path
		s.rec.Record(ctx, e)
		errs = append(errs, f.Err)
	}
	metrics.SetPending(s.cfg.Name, s.writer.Pending().Len())
	s.update(func(st *Status) { st.Staged += len(rep.Staged) })
	err := errors.Join(errs...)
	if err != nil {
		s.recordErr(err)
	}
	return rep, err
}

// Transfer pushes the staging directory to the remote. It is a no-op when
// no remote is configured.
func (s *Station) Transfer(ctx context.Context) (transfer.Report, error) {
	if s.client == nil {
		return transfer.Report{}, nil
	}
	rep, err := s.client.Transfer(ctx, s.cfg.StagingPath, s.remote, s.remove)
	if err != nil {
		s.recordErr(err)
		if len(rep.Retained) == 0 {
			// connect failures never reach the per-file observer
			metrics.ObserveTransfer(s.cfg.Name, 0, err)
			s.rec.Record(ctx, history.NewEvent(history.EventTransferFailed, s.cfg.Name, s.clk.Now(), err))
		}
	}
	s.update(func(st *Status) {
		st.Transferred += len(rep.Transferred)
		st.TransferredBytes += rep.Bytes
	})
	return rep, err
}

func (s *Station) observeTransfer(local string, size int64, err error) {
	metrics.ObserveTransfer(s.cfg.Name, size, err)
	typ := history.EventTransferred
	switch {
	case errors.Is(err, transfer.ErrConnection):
		typ = history.EventTransferFailed
	case err != nil:
		typ = history.EventTransferRetained
	}
	e := history.NewEvent(typ, s.cfg.Name, s.clk.Now(), err)
	e.Path, e.Bytes = local, size
	s.rec.Record(context.Background(), e)
}

// Configure applies the configured set commands, then reads back the
// configuration. Drivers without the capability are skipped.
func (s *Station) Configure(ctx context.Context) error {
	c, ok := s.driver.(instrument.Configurer)
	if !ok {
		return nil
	}
	s.link.Lock()
	defer s.link.Unlock()
	set, err := c.SetConfig(ctx)
	for _, r := range set {
		s.log.Info("set config", "reply", r)
	}
	if err != nil {
		return err
	}
	got, err := c.GetConfig(ctx)
	for _, r := range got {
		s.log.Info("config", "reply", r)
	}
	return err
}

// ErrUnsupported is returned for commands the driver cannot perform.
var ErrUnsupported = errors.New("not supported by this instrument")

// SendCommand sends a raw command to the instrument.
func (s *Station) SendCommand(ctx context.Context, cmd string) (string, error) {
	c, ok := s.driver.(instrument.Commander)
	if !ok {
		return "", fmt.Errorf("%s: send command: %w", s.cfg.Name, ErrUnsupported)
	}
	s.link.Lock()
	defer s.link.Unlock()
	return c.SendCommand(ctx, cmd)
}

// DumpBuffer downloads the instrument's internal record buffer into
// <data>/<name>_all_lrec-<YYYYmmddHHMMSS><ext> and zips it alongside. It
// returns the archive path.
func (s *Station) DumpBuffer(ctx context.Context) (string, error) {
	br, ok := s.driver.(instrument.BufferReader)
	if !ok {
		return "", fmt.Errorf("%s: dump buffer: %w", s.cfg.Name, ErrUnsupported)
	}
	s.link.Lock()
	dump, err := br.ReadBuffer(ctx)
	s.link.Unlock()
	if err != nil {
		return "", err
	}
	if dump.At.IsZero() {
		dump.At = s.clk.Now()
	}
	ext := s.cfg.Extension
	if ext == "" {
		ext = ".dat"
	}
	name := fmt.Sprintf("%s_all_lrec-%s%s", s.cfg.Name, strftime.Format("%Y%m%d%H%M%S", dump.At), ext)
	file := filepath.Join(s.cfg.DataPath, name)
	var b strings.Builder
	if h := strings.TrimRight(s.cfg.Header, "\n"); h != "" {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	for _, r := range dump.Records {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(s.cfg.DataPath, 0o755); err != nil {
		return "", daqerr.Persistence("dump buffer", s.cfg.DataPath, err)
	}
	if err := os.WriteFile(file, []byte(b.String()), 0o644); err != nil {
		return "", daqerr.Persistence("dump buffer", file, err)
	}
	a, err := stage.New(s.cfg.DataPath, stage.WithLogger(s.log)).Stage(file)
	if err != nil {
		return "", err
	}
	s.log.Info("buffer dumped", "records", len(dump.Records), "file", file, "archive", a.Path)
	return a.Path, nil
}

// Register adds the station's jobs to sched, named "<instrument>/<job>":
// acquire and save every sampling interval (in that order, on the same
// slot), sample every fast interval for sampling drivers, stage after
// each reporting boundary and transfer after that. Downloaders get a
// download job on each reporting boundary instead of acquire and save.
func (s *Station) Register(sched *cron.Scheduler) error {
	every := s.cfg.SamplingInterval
	report := s.writer.Interval().Duration()
	var jobs []*cron.Job
	if _, ok := s.driver.(instrument.Downloader); ok {
		jobs = append(jobs, &cron.Job{Name: s.jobName("download"), Every: report, Run: func(ctx context.Context) error {
			_, err := s.Download(ctx)
			return err
		}})
	} else {
		jobs = append(jobs,
			&cron.Job{Name: s.jobName("acquire"), Every: every, Run: func(ctx context.Context) error {
				return s.Acquire(ctx).Err
			}},
			&cron.Job{Name: s.jobName("save"), Every: every, Run: func(ctx context.Context) error {
				_, err := s.Save(ctx)
				return err
			}},
		)
	}
	if sm, ok := s.driver.(instrument.Sampler); ok {
		jobs = append(jobs, &cron.Job{Name: s.jobName("sample"), Every: sm.FastInterval(), Run: s.Sample})
	}
	jobs = append(jobs, &cron.Job{
		Name:  s.jobName("stage"),
		Every: report,
		At:    cron.FormatAnchor(s.stageOff),
		Run: func(ctx context.Context) error {
			_, err := s.Stage(ctx)
			return err
		},
	})
	if s.client != nil {
		jobs = append(jobs, &cron.Job{
			Name:  s.jobName("transfer"),
			Every: report,
			At:    cron.FormatAnchor(s.xferOff),
			Run: func(ctx context.Context) error {
				_, err := s.Transfer(ctx)
				return err
			},
		})
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			return fmt.Errorf("%s: %w", s.cfg.Name, err)
		}
	}
	return nil
}

func (s *Station) jobName(job string) string { return s.cfg.Name + "/" + job }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + " [...]"
}
