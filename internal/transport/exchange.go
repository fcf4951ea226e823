package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/fielddaq/internal/daqerr"
)

// Frame describes how a command is sent and how its reply is read back
// and cleaned.
type Frame struct {
	// Prefix is sent before the command, e.g. the instrument address byte.
	Prefix     []byte
	Terminator string
	// Settle is how long to wait after writing before reading.
	Settle time.Duration
	// Grace is how long a read waits for more bytes.
	Grace time.Duration
	// Timeout bounds the whole exchange.
	Timeout time.Duration
	// Sentinel ends the reply when seen. Without it the reply ends at the
	// first read that returns nothing.
	Sentinel string
	// ChecksumDelim cuts the reply at the first occurrence.
	ChecksumDelim string
	StripEcho     bool
}

func (f Frame) withDefaults() Frame {
	if f.Terminator == "" {
		f.Terminator = "\r"
	}
	if f.Grace <= 0 {
		f.Grace = 100 * time.Millisecond
	}
	if f.Timeout <= 0 {
		f.Timeout = 5 * time.Second
	}
	return f
}

// Encode builds the bytes written for cmd.
func (f Frame) Encode(cmd string) []byte {
	f = f.withDefaults()
	out := make([]byte, 0, len(f.Prefix)+len(cmd)+len(f.Terminator))
	out = append(out, f.Prefix...)
	out = append(out, cmd...)
	return append(out, f.Terminator...)
}

// Clean strips the sentinel, checksum and command echo from a raw reply.
func (f Frame) Clean(raw []byte, cmd string) string {
	if f.Sentinel != "" {
		if i := bytes.Index(raw, []byte(f.Sentinel)); i >= 0 {
			raw = raw[:i]
		}
	}
	s := string(raw)
	if f.ChecksumDelim != "" {
		if i := strings.Index(s, f.ChecksumDelim); i >= 0 {
			s = s[:i]
		}
	}
	if f.StripEcho && cmd != "" {
		s = strings.ReplaceAll(s, cmd, "")
	}
	return strings.TrimSpace(s)
}

// Exchange opens link, sends cmd framed by f and returns the cleaned reply.
// Failures wrap daqerr.ErrCommunication.
func Exchange(ctx context.Context, link Link, f Frame, cmd string) (string, error) {
	f = f.withDefaults()
	subject := link.String()
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	conn, err := link.Open(ctx)
	if err != nil {
		return "", daqerr.Communication("open", subject, err)
	}
	defer conn.Close()

	if _, err := conn.Write(f.Encode(cmd)); err != nil {
		return "", daqerr.Communication("write", subject, err)
	}
	if f.Settle > 0 {
		select {
		case <-time.After(f.Settle):
		case <-ctx.Done():
			return "", daqerr.Communication("settle", subject, ctx.Err())
		}
	}
	raw, err := drain(ctx, conn, f)
	if err != nil {
		return "", daqerr.Communication(fmt.Sprintf("read %q", cmd), subject, err)
	}
	return f.Clean(raw, cmd), nil
}

func drain(ctx context.Context, conn Conn, f Frame) ([]byte, error) {
	var out []byte
	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			if len(out) > 0 && f.Sentinel == "" {
				return out, nil
			}
			return out, err
		}
		if err := conn.SetReadTimeout(f.Grace); err != nil {
			return out, err
		}
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if f.Sentinel != "" {
			if bytes.Contains(out, []byte(f.Sentinel)) {
				return out, nil
			}
			continue
		}
		if n == 0 {
			return out, nil
		}
	}
}

// ReadLine opens link and returns the next complete line it emits,
// waiting at most timeout. Used for instruments that stream records.
func ReadLine(ctx context.Context, link Link, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	subject := link.String()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := link.Open(ctx)
	if err != nil {
		return "", daqerr.Communication("open", subject, err)
	}
	defer conn.Close()

	var line []byte
	b := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return "", daqerr.Communication("readline", subject, err)
		}
		if err := conn.SetReadTimeout(100 * time.Millisecond); err != nil {
			return "", daqerr.Communication("readline", subject, err)
		}
		n, err := conn.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				if s := strings.TrimSpace(string(line)); s != "" {
					return s, nil
				}
				line = line[:0]
				continue
			}
			line = append(line, b[0])
		}
		if err != nil {
			return "", daqerr.Communication("readline", subject, err)
		}
	}
}
