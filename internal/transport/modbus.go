package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/goburrow/modbus"

	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// RegisterReader reads 16-bit holding registers.
type RegisterReader interface {
	ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]uint16, error)
	String() string
}

// ModbusLink is a Modbus TCP endpoint connected per read.
type ModbusLink struct {
	Addr    string
	UnitID  byte
	Timeout time.Duration
}

func NewModbusLink(c config.ModbusConfig) *ModbusLink {
	port := c.Port
	if port == 0 {
		port = 502
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	unit := c.UnitID
	if unit == 0 {
		unit = 1
	}
	return &ModbusLink{Addr: net.JoinHostPort(c.Host, strconv.Itoa(port)), UnitID: byte(unit), Timeout: timeout}
}

func (l *ModbusLink) String() string { return fmt.Sprintf("modbus://%s/%d", l.Addr, l.UnitID) }

// ReadHoldingRegisters connects, reads count registers from address and
// disconnects. Failures wrap daqerr.ErrCommunication.
func (l *ModbusLink) ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, daqerr.Communication("modbus read", l.String(), err)
	}
	h := modbus.NewTCPClientHandler(l.Addr)
	h.Timeout = l.Timeout
	h.SlaveId = l.UnitID
	if err := h.Connect(); err != nil {
		return nil, daqerr.Communication("modbus connect", l.String(), err)
	}
	defer h.Close()
	raw, err := modbus.NewClient(h).ReadHoldingRegisters(address, count)
	if err != nil {
		return nil, daqerr.Communication("modbus read", l.String(), err)
	}
	return DecodeRegisters(raw), nil
}

// DecodeRegisters splits a big-endian register payload into values.
func DecodeRegisters(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return out
}
