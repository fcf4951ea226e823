// Package transfer pushes staged archives to the remote archive.
//
// Delivery is at-least-once: a local file is removed only after the remote
// copy reports the same size. Anything that fails stays on disk and is
// retried by the next scheduled pass.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/fielddaq/internal/daqerr"
)

// ErrConnection marks session errors that make further operations on the
// same session pointless. They abort the current pass.
var ErrConnection = errors.New("remote connection failed")

// Remote is a transfer destination.
type Remote interface {
	Connect(ctx context.Context) (Session, error)
	String() string
}

// Session is one authenticated connection to a Remote. Remote paths use
// forward slashes.
type Session interface {
	MkdirAll(ctx context.Context, dir string) error
	// Put uploads local to remote and returns the number of bytes sent.
	Put(ctx context.Context, local, remote string) (int64, error)
	Exists(ctx context.Context, remote string) (bool, error)
	Size(ctx context.Context, remote string) (int64, error)
	Remove(ctx context.Context, remote string) error
	List(ctx context.Context, dir string) ([]string, error)
	Close() error
}

// Retained is a local file left in place by a pass.
type Retained struct {
	Path   string
	Reason string
}

// Report is the outcome of one pass. Paths are local.
type Report struct {
	Transferred []string
	Retained    []Retained
	Bytes       int64
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTimeout bounds the connect step and each file's upload and
// verification.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver is called for every file that was transferred or retained.
func WithObserver(fn func(local string, size int64, err error)) Option {
	return func(c *Client) { c.observe = fn }
}

// Client walks local staging trees and mirrors them to a Remote.
type Client struct {
	remote  Remote
	log     *slog.Logger
	timeout time.Duration
	observe func(string, int64, error)
}

func NewClient(remote Remote, opts ...Option) *Client {
	c := &Client{remote: remote, log: slog.Default(), timeout: time.Minute}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Remote() Remote { return c.remote }

// Transfer uploads every regular file under localRoot to the same relative
// path under remoteRoot, creating remote directories as needed. A file is
// counted as transferred when the remote size equals the local size; with
// removeOnSuccess it is then deleted locally. Files that fail are kept and
// the walk continues, unless the failure is connection-level, which aborts
// the pass with an error wrapping daqerr.ErrTransfer. Hidden files (names
// starting with ".") are skipped.
func (c *Client) Transfer(ctx context.Context, localRoot, remoteRoot string, removeOnSuccess bool) (Report, error) {
	var rep Report
	files, err := listLocal(localRoot)
	if err != nil {
		return rep, daqerr.Transfer("walk", localRoot, err)
	}
	if len(files) == 0 {
		return rep, nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	sess, err := c.remote.Connect(cctx)
	cancel()
	if err != nil {
		c.log.Error("transfer aborted: connect failed", "remote", c.remote.String(), "err", err)
		return rep, daqerr.Transfer("connect", c.remote.String(), err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.log.Debug("close session", "err", cerr)
		}
	}()

	made := make(map[string]bool)
	for _, local := range files {
		rel, err := filepath.Rel(localRoot, local)
		if err != nil {
			return rep, daqerr.Transfer("walk", local, err)
		}
		remote := path.Join(remoteRoot, filepath.ToSlash(rel))
		size, err := c.transferOne(ctx, sess, made, local, remote)
		if c.observe != nil {
			c.observe(local, size, err)
		}
		if err != nil {
			rep.Retained = append(rep.Retained, Retained{Path: local, Reason: err.Error()})
			if errors.Is(err, ErrConnection) {
				c.log.Error("transfer aborted: connection lost", "remote", c.remote.String(), "file", local, "err", err)
				return rep, daqerr.Transfer("put", remote, err)
			}
			c.log.Warn("file retained for next pass", "file", local, "err", err)
			continue
		}
		rep.Transferred = append(rep.Transferred, local)
		rep.Bytes += size
		if removeOnSuccess {
			if err := os.Remove(local); err != nil {
				c.log.Warn("transferred but not removed", "file", local, "err", err)
			}
		}
		c.log.Info("transferred", "file", local, "remote", remote, "bytes", size)
	}
	return rep, nil
}

func (c *Client) transferOne(ctx context.Context, sess Session, made map[string]bool, local, remote string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fi, err := os.Stat(local)
	if err != nil {
		return 0, err
	}
	dir := path.Dir(remote)
	if !made[dir] {
		if err := sess.MkdirAll(ctx, dir); err != nil {
			return 0, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		made[dir] = true
	}
	if _, err := sess.Put(ctx, local, remote); err != nil {
		return 0, fmt.Errorf("put %s: %w", remote, err)
	}
	got, err := sess.Size(ctx, remote)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", remote, err)
	}
	if got != fi.Size() {
		return 0, fmt.Errorf("size mismatch for %s: local %d, remote %d", remote, fi.Size(), got)
	}
	return got, nil
}

func listLocal(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
