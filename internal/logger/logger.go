// Package logger wires the daemon's slog output: a colored console handler
// and a rotating log file, fanned out with slog-multi.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where logs go. An empty File disables the file handler.
type Config struct {
	Level      string // console level (debug, info, warn, error)
	FileLevel  string // file level, default warn
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	NoColor    bool
	Console    io.Writer // defaults to os.Stderr
}

// FileWriter returns the rotating writer for c.File, or nil when no file
// is configured.
func (c Config) FileWriter() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds the logger without installing it. The returned closer
// releases the log file and is never nil.
func New(c Config) (*slog.Logger, io.Closer, error) {
	console := c.Console
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level, slog.LevelInfo)}
	var handlers []slog.Handler
	if c.NoColor {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	} else {
		handlers = append(handlers, NewColorTextHandler(console, opts, true))
	}

	var closer io.Closer = nopCloser{}
	if w := c.FileWriter(); w != nil {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: ParseLevel(c.FileLevel, slog.LevelWarn),
		}))
		closer = w
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Setup builds the logger and installs it as the slog default.
func Setup(c Config) (*slog.Logger, io.Closer, error) {
	l, closer, err := New(c)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(l)
	return l, closer, nil
}

// ParseLevel maps a level name to slog.Level, returning def for unknown names.
func ParseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
