package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
	"github.com/loykin/fielddaq/internal/transport"
)

// KindAurora3000 is the Ecotech Aurora 3000 nephelometer.
const KindAurora3000 = "aurora3000"

const (
	auroraCurrentData  = "VI099"
	auroraInstrumentID = "ID0"
	auroraTimeLayout   = "2006-01-02 15:04:05"
)

var errNoSamples = errors.New("no instant readings collected")

func init() { Register(KindAurora3000, newAurora3000) }

// Aurora3000 polls instant readings every FastInterval and reports their
// mean at each acquisition. The last field of a reading is the hex-encoded
// digital I/O state; it is averaged like the others.
type Aurora3000 struct {
	name  string
	link  transport.Link
	frame transport.Frame
	fast  time.Duration
	sep   string
	clk   clock.Clock
	log   *slog.Logger

	linkMu sync.Mutex

	mu      sync.Mutex
	samples [][]float64
	last    time.Time
}

func newAurora3000(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	link, err := linkFor(cfg)
	if err != nil {
		return nil, err
	}
	fast := cfg.FastInterval
	if fast <= 0 {
		fast = 5 * time.Second
	}
	if fast >= cfg.SamplingInterval && cfg.SamplingInterval > 0 {
		return nil, fmt.Errorf("instrument %s: fast_interval %s must be shorter than sampling_interval %s", cfg.Name, fast, cfg.SamplingInterval)
	}
	frame := transport.Frame{Terminator: "\r", Settle: 200 * time.Millisecond}
	if cfg.Serial != nil {
		frame.Timeout = cfg.Serial.Timeout
	}
	sep := cfg.Separator
	if sep == "" {
		sep = config.DefaultSeparator(KindAurora3000)
	}
	return &Aurora3000{
		name:  cfg.Name,
		link:  link,
		frame: frame,
		fast:  fast,
		sep:   sep,
		clk:   deps.Clock,
		log:   deps.Log.With("instrument", cfg.Name),
	}, nil
}

func (a *Aurora3000) Name() string                { return a.name }
func (a *Aurora3000) Kind() string                { return KindAurora3000 }
func (a *Aurora3000) FastInterval() time.Duration { return a.fast }

func (a *Aurora3000) SendCommand(ctx context.Context, cmd string) (string, error) {
	a.linkMu.Lock()
	defer a.linkMu.Unlock()
	resp, err := transport.Exchange(ctx, a.link, a.frame, cmd)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(strings.ReplaceAll(resp, "\r\n\n", "\r\n"), ", ", ","), nil
}

// Sample takes one instant reading.
func (a *Aurora3000) Sample(ctx context.Context) error {
	resp, err := a.SendCommand(ctx, auroraCurrentData)
	if err != nil {
		return err
	}
	ts, values, err := ParseAuroraReading(resp)
	if err != nil {
		return daqerr.Communication("parse "+auroraCurrentData, a.name, err)
	}
	a.mu.Lock()
	a.samples = append(a.samples, values)
	a.last = ts
	a.mu.Unlock()
	return nil
}

// Acquire averages the instant readings collected since the previous
// call. The timestamp is the last reading's, rounded to the nearest
// minute.
func (a *Aurora3000) Acquire(ctx context.Context) Result {
	a.mu.Lock()
	samples, last := a.samples, a.last
	a.samples = nil
	a.mu.Unlock()
	if len(samples) == 0 {
		return failed(a.clk.Now(), "average", a.name, errNoSamples)
	}
	means := average(samples)
	parts := make([]string, len(means))
	for i, m := range means {
		parts[i] = strconv.FormatFloat(m, 'f', 3, 64)
	}
	return Result{At: last.Add(30 * time.Second).Truncate(time.Minute), Data: strings.Join(parts, a.sep)}
}

func (a *Aurora3000) GetConfig(ctx context.Context) ([]string, error) {
	id, err := a.SendCommand(ctx, auroraInstrumentID)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// SetConfig has nothing to apply; the nephelometer is configured on its
// front panel.
func (a *Aurora3000) SetConfig(context.Context) ([]string, error) { return nil, nil }

// ParseAuroraReading splits "YYYY-MM-DD hh:mm:ss,v1,...,vN,HEX" into its
// local timestamp and values. The trailing hex field becomes a number.
func ParseAuroraReading(s string) (time.Time, []float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 3 {
		return time.Time{}, nil, fmt.Errorf("short reading %q", s)
	}
	ts, err := time.ParseInLocation(auroraTimeLayout, strings.TrimSpace(parts[0]), time.Local)
	if err != nil {
		return time.Time{}, nil, err
	}
	values := make([]float64, 0, len(parts)-1)
	for _, p := range parts[1 : len(parts)-1] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("field %q: %w", p, err)
		}
		values = append(values, v)
	}
	dio, err := strconv.ParseInt(strings.TrimSpace(parts[len(parts)-1]), 16, 64)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("status field %q: %w", parts[len(parts)-1], err)
	}
	return ts, append(values, float64(dio)), nil
}

// average is the column mean over rows of equal width. Rows with a
// different width than the first are ignored.
func average(rows [][]float64) []float64 {
	width := len(rows[0])
	sum := make([]float64, width)
	n := 0
	for _, r := range rows {
		if len(r) != width {
			continue
		}
		for i, v := range r {
			sum[i] += v
		}
		n++
	}
	for i := range sum {
		sum[i] /= float64(n)
	}
	return sum
}
