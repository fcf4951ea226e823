// Package transport talks to instruments over serial lines, TCP sockets
// and Modbus TCP. Every exchange opens the link, talks, and closes it
// again, so a wedged port never outlives one command.
package transport

import (
	"context"
	"io"
	"time"
)

// Conn is an open instrument connection. Read returns (0, nil) when no
// byte arrives within the current read timeout.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// Link opens connections to one instrument.
type Link interface {
	Open(ctx context.Context) (Conn, error)
	String() string
}
