// Package daqerr defines the error kinds shared by the acquisition pipeline.
//
// Only configuration errors stop the daemon. Communication, persistence and
// transfer errors are per-cycle results: they are logged and the next
// scheduled run tries again.
package daqerr

import (
	"errors"
	"fmt"
)

var (
	ErrConfig        = errors.New("configuration error")
	ErrCommunication = errors.New("instrument communication error")
	ErrPersistence   = errors.New("persistence error")
	ErrTransfer      = errors.New("transfer error")
)

// Error carries the kind, the failing operation and its subject (an
// instrument name, a path or a remote address).
type Error struct {
	Kind    error
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, op, subject string, err error) error {
	var de *Error
	if errors.As(err, &de) && de.Kind == kind && de.Op == op && de.Subject == subject {
		return err
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func Config(op, subject string, err error) error { return wrap(ErrConfig, op, subject, err) }

func Communication(op, subject string, err error) error {
	return wrap(ErrCommunication, op, subject, err)
}

func Persistence(op, subject string, err error) error {
	return wrap(ErrPersistence, op, subject, err)
}

func Transfer(op, subject string, err error) error { return wrap(ErrTransfer, op, subject, err) }

// Configf builds a configuration error from a format string.
func Configf(format string, args ...any) error {
	return &Error{Kind: ErrConfig, Op: "config", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the sentinel kind of err, or nil when err is not one of
// ours.
func KindOf(err error) error {
	for _, k := range []error{ErrConfig, ErrCommunication, ErrPersistence, ErrTransfer} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
