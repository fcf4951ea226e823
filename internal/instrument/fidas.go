package instrument

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/transport"
)

// KindFidas is the Palas Fidas 200 particle spectrometer read over Modbus TCP.
const KindFidas = "fidas"

func init() { Register(KindFidas, newFidas) }

type Fidas struct {
	name    string
	regs    transport.RegisterReader
	address uint16
	count   uint16
	sep     string
	clk     clock.Clock
}

func newFidas(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	if cfg.Modbus == nil {
		return nil, fmt.Errorf("instrument %s: fidas needs a modbus section", cfg.Name)
	}
	if cfg.Modbus.Address < 0 || cfg.Modbus.Address > 0xffff || cfg.Modbus.Count <= 0 || cfg.Modbus.Count > 125 {
		return nil, fmt.Errorf("instrument %s: modbus address/count out of range", cfg.Name)
	}
	return NewFidas(cfg.Name, transport.NewModbusLink(*cfg.Modbus), uint16(cfg.Modbus.Address), uint16(cfg.Modbus.Count), cfg.Separator, deps.Clock), nil
}

// NewFidas builds a Fidas driver on any register source.
func NewFidas(name string, regs transport.RegisterReader, address, count uint16, sep string, clk clock.Clock) *Fidas {
	if sep == "" {
		sep = config.DefaultSeparator(KindFidas)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Fidas{name: name, regs: regs, address: address, count: count, sep: sep, clk: clk}
}

func (f *Fidas) Name() string { return f.name }
func (f *Fidas) Kind() string { return KindFidas }

func (f *Fidas) Acquire(ctx context.Context) Result {
	at := f.clk.Now()
	values, err := f.regs.ReadHoldingRegisters(ctx, f.address, f.count)
	if err != nil {
		return Result{At: at, Err: err}
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return Result{At: at, Data: strings.Join(parts, f.sep)}
}
