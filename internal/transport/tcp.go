package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/loykin/fielddaq/internal/config"
)

// TCPLink is a raw socket opened per exchange.
type TCPLink struct {
	Addr    string
	Timeout time.Duration
}

func NewTCPLink(c config.SocketConfig) *TCPLink {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPLink{Addr: net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), Timeout: timeout}
}

func (l *TCPLink) String() string { return "tcp://" + l.Addr }

func (l *TCPLink) Open(ctx context.Context) (Conn, error) {
	d := net.Dialer{Timeout: l.Timeout}
	c, err := d.DialContext(ctx, "tcp", l.Addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: c, write: l.Timeout}, nil
}

type tcpConn struct {
	net.Conn
	write time.Duration
}

func (c *tcpConn) SetReadTimeout(d time.Duration) error {
	return c.Conn.SetReadDeadline(time.Now().Add(d))
}

func (c *tcpConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *tcpConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}
