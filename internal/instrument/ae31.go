package instrument

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/transport"
)

// KindAE31 is the Magee AE31 aethalometer, which streams one record per
// timebase on its serial port.
const KindAE31 = "ae31"

func init() { Register(KindAE31, newAE31) }

type AE31 struct {
	name    string
	link    transport.Link
	timeout time.Duration
	clk     clock.Clock
	log     *slog.Logger
	mu      sync.Mutex
}

func newAE31(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	link, err := linkFor(cfg)
	if err != nil {
		return nil, err
	}
	timeout := 10 * time.Second
	switch {
	case cfg.Serial != nil && cfg.Serial.Timeout > 0:
		timeout = cfg.Serial.Timeout
	case cfg.Socket != nil && cfg.Socket.Timeout > 0:
		timeout = cfg.Socket.Timeout
	}
	return &AE31{
		name:    cfg.Name,
		link:    link,
		timeout: timeout,
		clk:     deps.Clock,
		log:     deps.Log.With("instrument", cfg.Name),
	}, nil
}

func (a *AE31) Name() string { return a.name }
func (a *AE31) Kind() string { return KindAE31 }

func (a *AE31) Acquire(ctx context.Context) Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	at := a.clk.Now()
	line, err := transport.ReadLine(ctx, a.link, a.timeout)
	if err != nil {
		return Result{At: at, Err: err}
	}
	return Result{At: at, Data: line}
}
