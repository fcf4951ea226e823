package instrument

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
)

// KindSimulated produces deterministic pseudo-random readings. It stands
// in for any instrument marked simulate, so a station can run without
// hardware.
const KindSimulated = "simulated"

func init() { Register(KindSimulated, newSimulated) }

type Simulated struct {
	name   string
	kind   string
	fields int
	sep    string
	getCfg []string
	setCfg []string
	clk    clock.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulated(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	return NewSimulated(cfg, deps.Clock), nil
}

// NewSimulated seeds the generator from the instrument name. The number of
// fields follows the header when one is configured.
func NewSimulated(cfg config.InstrumentConfig, clk clock.Clock) *Simulated {
	if clk == nil {
		clk = clock.Real()
	}
	sep := cfg.Separator
	if sep == "" {
		sep = config.DefaultSeparator(cfg.Type)
	}
	fields := 3
	if h := strings.TrimSpace(cfg.Header); h != "" {
		if n := len(strings.Split(h, sep)) - 1; n > 0 {
			fields = n
		}
	}
	kind := cfg.Type
	if kind == "" {
		kind = KindSimulated
	}
	hf := fnv.New64a()
	_, _ = hf.Write([]byte(cfg.Name))
	return &Simulated{
		name:   cfg.Name,
		kind:   kind,
		fields: fields,
		sep:    sep,
		getCfg: cfg.GetConfig,
		setCfg: cfg.SetConfig,
		clk:    clk,
		rng:    rand.New(rand.NewPCG(hf.Sum64(), 0)),
	}
}

func (s *Simulated) Name() string { return s.name }

// Kind reports the simulated instrument's configured type.
func (s *Simulated) Kind() string { return s.kind }

func (s *Simulated) Acquire(context.Context) Result {
	return Result{At: s.clk.Now(), Data: s.values()}
}

func (s *Simulated) values() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, s.fields)
	for i := range parts {
		parts[i] = strconv.FormatFloat(s.rng.Float64()*100, 'f', 3, 64)
	}
	return strings.Join(parts, s.sep)
}

func (s *Simulated) SendCommand(_ context.Context, cmd string) (string, error) {
	return "sim " + cmd + " ok", nil
}

func (s *Simulated) GetConfig(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.getCfg))
	for _, c := range s.getCfg {
		r, _ := s.SendCommand(ctx, c)
		out = append(out, r)
	}
	return out, nil
}

func (s *Simulated) SetConfig(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.setCfg))
	for _, c := range s.setCfg {
		r, _ := s.SendCommand(ctx, c)
		out = append(out, r)
	}
	return out, nil
}

func (s *Simulated) ReadBuffer(context.Context) (BufferDump, error) {
	now := s.clk.Now()
	dump := BufferDump{At: now}
	for i := 0; i < 3; i++ {
		dump.Records = append(dump.Records, fmt.Sprintf("%s%s%s", now.Format("15:04 01-02-06"), s.sep, s.values()))
	}
	return dump, nil
}
