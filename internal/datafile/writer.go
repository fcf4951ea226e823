// Package datafile turns buffered readings into dated data files.
//
// A data file is named <instrument>-<bucket><ext>, where the bucket is the
// flush time floored to the reporting interval. The header is written once,
// when the bucket file is created.
package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/fielddaq/internal/buffer"
	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// Options configure a Writer.
type Options struct {
	Instrument        string
	Dir               string
	Extension         string
	Header            string
	ReportingInterval int
	Nested            bool
	Clock             clock.Clock
	// Pending receives every path written. A new set is created when nil.
	Pending *PendingSet
}

// Writer flushes one instrument's buffer into bucket files.
type Writer struct {
	name     string
	dir      string
	ext      string
	header   string
	interval ReportingInterval
	nested   bool
	clk      clock.Clock
	pending  *PendingSet
}

// NewWriter validates opts. An invalid reporting interval is a
// configuration error.
func NewWriter(opts Options) (*Writer, error) {
	ri, err := ParseReportingInterval(opts.ReportingInterval)
	if err != nil {
		return nil, err
	}
	if opts.Instrument == "" {
		return nil, daqerr.Configf("data file writer requires an instrument name")
	}
	if opts.Dir == "" {
		return nil, daqerr.Configf("data file writer for %s requires a directory", opts.Instrument)
	}
	ext := opts.Extension
	if ext == "" {
		ext = ".dat"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	header := opts.Header
	if header != "" && !strings.HasSuffix(header, "\n") {
		header += "\n"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Pending == nil {
		opts.Pending = NewPendingSet()
	}
	return &Writer{
		name:     opts.Instrument,
		dir:      opts.Dir,
		ext:      ext,
		header:   header,
		interval: ri,
		nested:   opts.Nested,
		clk:      opts.Clock,
		pending:  opts.Pending,
	}, nil
}

func (w *Writer) Interval() ReportingInterval { return w.interval }

func (w *Writer) Pending() *PendingSet { return w.pending }

// PathFor returns the data file path of the bucket containing t.
func (w *Writer) PathFor(t time.Time) string {
	dir := w.dir
	if w.nested {
		dir = filepath.Join(dir, filepath.FromSlash(w.interval.subdir(w.interval.Floor(t))))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", w.name, w.interval.Bucket(t), w.ext))
}

// CurrentPath is the path of the bucket open right now.
func (w *Writer) CurrentPath() string { return w.PathFor(w.clk.Now()) }

// Flush writes every buffered reading to the bucket current at flush time
// and returns its path. An empty buffer is a no-op and returns "". On
// failure the buffer is left untouched and the error wraps
// daqerr.ErrPersistence.
func (w *Writer) Flush(buf *buffer.ReadingBuffer) (string, error) {
	readings := buf.Snapshot()
	if len(readings) == 0 {
		return "", nil
	}
	path := w.PathFor(w.clk.Now())
	if err := w.write(path, readings); err != nil {
		return "", daqerr.Persistence("flush", path, err)
	}
	buf.Commit(len(readings))
	w.pending.Add(path)
	return path, nil
}

func (w *Writer) write(path string, readings []buffer.Reading) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE|os.O_EXCL, 0o644)
	created := err == nil
	if errors.Is(err, os.ErrExist) {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	}
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		// never leave a headerless file behind
		if err != nil && created {
			_ = os.Remove(path)
		}
	}()

	var b strings.Builder
	if created {
		b.WriteString(w.header)
	}
	for _, r := range readings {
		b.WriteString(r.Line)
		if !strings.HasSuffix(r.Line, "\n") {
			b.WriteByte('\n')
		}
	}
	_, err = writeString(f, b.String())
	return err
}

var writeString = func(f *os.File, s string) (int, error) { return f.WriteString(s) }
