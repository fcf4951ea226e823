package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// SerialLink is an RS-232 port opened per exchange.
type SerialLink struct {
	Port    string
	Mode    serial.Mode
	Timeout time.Duration
}

// NewSerialLink maps a serial configuration onto go.bug.st/serial settings.
// Unset fields default to 9600 8N1.
func NewSerialLink(c config.SerialConfig) (*SerialLink, error) {
	mode := serial.Mode{BaudRate: c.Baud, DataBits: c.DataBits}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch strings.ToUpper(c.Parity) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	case "M", "MARK":
		mode.Parity = serial.MarkParity
	case "S", "SPACE":
		mode.Parity = serial.SpaceParity
	default:
		return nil, daqerr.Configf("serial %s: unknown parity %q", c.Port, c.Parity)
	}
	switch c.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, daqerr.Configf("serial %s: unsupported stop bits %d", c.Port, c.StopBits)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SerialLink{Port: c.Port, Mode: mode, Timeout: timeout}, nil
}

func (l *SerialLink) String() string {
	return fmt.Sprintf("serial://%s@%d", l.Port, l.Mode.BaudRate)
}

func (l *SerialLink) Open(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := serial.Open(l.Port, &l.Mode)
	if err != nil {
		return nil, err
	}
	// drop anything the instrument sent while nobody was listening
	_ = p.ResetInputBuffer()
	return serialConn{p}, nil
}

// serial.Port already reads (0, nil) on timeout.
type serialConn struct{ serial.Port }

// Ports lists the serial ports present on this machine.
func Ports() ([]string, error) { return serial.GetPortsList() }
