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

// KindThermo49i is the Thermo Scientific 49i ozone analyzer.
const KindThermo49i = "thermo49i"

// DefaultBufferPage is how many lrec records one buffer request asks for.
const DefaultBufferPage = 10

func init() { Register(KindThermo49i, newThermo49i) }

// Thermo49i speaks the C-link protocol: an address byte (id+128), the
// command and CR; the reply echoes the command and ends with a checksum
// after '*'. Over TCP the reply is terminated by NUL.
type Thermo49i struct {
	name    string
	link    transport.Link
	frame   transport.Frame
	getData string
	getCfg  []string
	setCfg  []string
	page    int
	clk     clock.Clock
	log     *slog.Logger

	// one command on the wire at a time
	mu sync.Mutex
}

func newThermo49i(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	link, err := linkFor(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ID < 0 || cfg.ID > 127 {
		return nil, fmt.Errorf("instrument %s: id must be 0-127, got %d", cfg.Name, cfg.ID)
	}
	frame := transport.Frame{
		Prefix:        []byte{byte(cfg.ID + 128)},
		Terminator:    "\r",
		Settle:        500 * time.Millisecond,
		ChecksumDelim: "*",
		StripEcho:     true,
	}
	if cfg.Socket != nil {
		frame.Sentinel = "\x00"
		frame.Timeout = cfg.Socket.Timeout
		if cfg.Socket.Settle > 0 {
			frame.Settle = cfg.Socket.Settle
		}
		if cfg.Socket.Grace > 0 {
			frame.Grace = cfg.Socket.Grace
		}
	} else if cfg.Serial != nil {
		frame.Timeout = cfg.Serial.Timeout
	}
	getData := cfg.GetData
	if getData == "" {
		getData = "lrec"
	}
	page := cfg.BufferPage
	if page <= 0 {
		page = DefaultBufferPage
	}
	return &Thermo49i{
		name:    cfg.Name,
		link:    link,
		frame:   frame,
		getData: getData,
		getCfg:  cfg.GetConfig,
		setCfg:  cfg.SetConfig,
		page:    page,
		clk:     deps.Clock,
		log:     deps.Log.With("instrument", cfg.Name),
	}, nil
}

func (t *Thermo49i) Name() string { return t.name }
func (t *Thermo49i) Kind() string { return KindThermo49i }

func (t *Thermo49i) SendCommand(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(ctx, cmd)
}

func (t *Thermo49i) send(ctx context.Context, cmd string) (string, error) {
	return transport.Exchange(ctx, t.link, t.frame, cmd)
}

func (t *Thermo49i) Acquire(ctx context.Context) Result {
	at := t.clk.Now()
	resp, err := t.SendCommand(ctx, t.getData)
	if err != nil {
		return Result{At: at, Err: err}
	}
	if resp == "" {
		return failed(at, t.getData, t.name, errors.New("empty reply"))
	}
	return Result{At: at, Data: resp}
}

func (t *Thermo49i) GetConfig(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.getCfg))
	for _, cmd := range t.getCfg {
		resp, err := t.send(ctx, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	t.log.Info("configuration read", "config", out)
	return out, nil
}

// SetConfig synchronizes the instrument clock, then sends every configured
// set command.
func (t *Thermo49i) SetConfig(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	var out []string
	for _, cmd := range []string{
		"set date " + now.Format("01-02-06"),
		"set time " + now.Format("15:04:05"),
	} {
		resp, err := t.send(ctx, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	for _, cmd := range t.setCfg {
		resp, err := t.send(ctx, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	t.log.Info("configuration set", "replies", out)
	return out, nil
}

// ReadBuffer downloads every long record (lrec) the analyzer holds, newest
// index first, in pages of t.page. The lrec format is switched to 0 for the
// download and restored afterwards, also when the download fails.
func (t *Thermo49i) ReadBuffer(ctx context.Context) (dump BufferDump, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dump.At = t.clk.Now()

	resp, err := t.send(ctx, "no of lrec")
	if err != nil {
		return dump, err
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return dump, daqerr.Communication("no of lrec", t.name, fmt.Errorf("unexpected reply %q", resp))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return dump, daqerr.Communication("no of lrec", t.name, fmt.Errorf("unexpected reply %q", resp))
	}

	format, err := t.send(ctx, "lrec format")
	if err != nil {
		return dump, err
	}
	ack, err := t.send(ctx, "set lrec format 0")
	if err != nil {
		return dump, err
	}
	if !strings.Contains(ack, "ok") {
		t.log.Warn("unexpected reply to set lrec format", "reply", ack)
	}
	defer func() {
		if format == "" {
			return
		}
		// restore even when the caller's context is already done
		if _, rerr := t.send(context.WithoutCancel(ctx), "set lrec format "+format); rerr != nil {
			t.log.Error("restore lrec format failed", "format", format, "err", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	for index := n; index > 0; index -= t.page {
		count := min(t.page, index)
		page, err := t.send(ctx, fmt.Sprintf("lrec %d %d", index, count))
		if err != nil {
			return dump, err
		}
		t.log.Debug("lrec page", "index", index, "count", count)
		dump.Records = append(dump.Records, page)
	}
	return dump, nil
}
