// Package instrument defines the driver capabilities and the registry that
// maps a configured instrument type to its driver.
//
// Every driver can Acquire one reading. Other capabilities are optional and
// discovered with a type assertion: Configurer, Commander, BufferReader,
// Sampler and Downloader.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
	"github.com/loykin/fielddaq/internal/transport"
)

// Result is the outcome of one acquisition. Data holds the instrument
// fields without the timestamp.
type Result struct {
	At   time.Time
	Data string
	Err  error
}

func (r Result) OK() bool { return r.Err == nil }

// Driver is the capability every instrument has.
type Driver interface {
	Name() string
	Kind() string
	// Acquire takes one reading. It never panics and reports failures in
	// Result.Err, wrapped with daqerr.ErrCommunication.
	Acquire(ctx context.Context) Result
}

// Configurer reads and applies the configured command lists.
type Configurer interface {
	GetConfig(ctx context.Context) ([]string, error)
	SetConfig(ctx context.Context) ([]string, error)
}

// Commander sends a raw command and returns the cleaned reply.
type Commander interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

// BufferDump is the content of an instrument's internal record buffer.
type BufferDump struct {
	At      time.Time
	Records []string
}

// BufferReader downloads the instrument's internal record buffer.
type BufferReader interface {
	ReadBuffer(ctx context.Context) (BufferDump, error)
}

// Sampler takes fast instant readings between acquisitions. Acquire then
// reports their aggregate.
type Sampler interface {
	Sample(ctx context.Context) error
	FastInterval() time.Duration
}

// Downloader fetches data the instrument has already aggregated and writes
// it as files under dir. The returned paths are complete and ready to be
// staged. Stations with a Downloader do not acquire or save readings.
type Downloader interface {
	Download(ctx context.Context, dir string) ([]string, error)
}

// Deps are the shared services handed to driver constructors.
type Deps struct {
	Clock clock.Clock
	Log   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return d
}

// Factory builds a driver from its configuration.
type Factory func(cfg config.InstrumentConfig, deps Deps) (Driver, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a driver available under kind. It panics on duplicates,
// like database/sql.Register.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("instrument: Register called twice for " + kind)
	}
	registry[kind] = f
}

// Kinds lists the registered driver kinds.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the driver for cfg. Instruments marked simulate get the
// simulated driver regardless of their type.
func New(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	deps = deps.withDefaults()
	kind := cfg.Type
	if cfg.Simulate {
		kind = KindSimulated
	}
	regMu.RLock()
	f, ok := registry[kind]
	regMu.RUnlock()
	if !ok {
		return nil, daqerr.Configf("instrument %s: unknown type %q (known: %v)", cfg.Name, cfg.Type, Kinds())
	}
	d, err := f(cfg, deps)
	if err != nil {
		if errors.Is(err, daqerr.ErrConfig) {
			return nil, err
		}
		return nil, daqerr.Config("instrument", cfg.Name, err)
	}
	return d, nil
}

// linkFor picks the TCP socket when configured, else the serial port.
func linkFor(cfg config.InstrumentConfig) (transport.Link, error) {
	switch {
	case cfg.Socket != nil:
		return transport.NewTCPLink(*cfg.Socket), nil
	case cfg.Serial != nil:
		return transport.NewSerialLink(*cfg.Serial)
	default:
		return nil, fmt.Errorf("instrument %s: needs a serial or socket section", cfg.Name)
	}
}

func failed(at time.Time, op, name string, err error) Result {
	return Result{At: at, Err: daqerr.Communication(op, name, err)}
}
