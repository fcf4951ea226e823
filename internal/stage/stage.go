// Package stage packages completed data files into single-entry zip
// archives in an instrument's staging directory.
package stage

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"

	"github.com/loykin/fielddaq/internal/daqerr"
	"github.com/loykin/fielddaq/internal/datafile"
)

// Ext is the archive extension.
const Ext = ".zip"

// Archive describes a staged archive.
type Archive struct {
	Source string
	Path   string
	Size   int64
	// Digest is the hex blake3-256 of the archive bytes.
	Digest string
}

// Failure records a pending file that could not be staged.
type Failure struct {
	Path string
	Err  error
}

// Report is the outcome of one StagePending pass.
type Report struct {
	Staged  []Archive
	Skipped []string
	Failed  []Failure
}

// Stager writes archives into Dir.
type Stager struct {
	dir string
	log *slog.Logger
}

type Option func(*Stager)

func WithLogger(l *slog.Logger) Option {
	return func(s *Stager) {
		if l != nil {
			s.log = l
		}
	}
}

func New(dir string, opts ...Option) *Stager {
	s := &Stager{dir: dir, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Stager) Dir() string { return s.dir }

// ArchivePath is the archive path for a data file: its base name with the
// extension swapped for .zip, inside the staging directory.
func (s *Stager) ArchivePath(src string) string {
	base := filepath.Base(src)
	return filepath.Join(s.dir, strings.TrimSuffix(base, filepath.Ext(base))+Ext)
}

// Stage zips src into its archive, replacing any archive of the same name.
// The archive is written next to its final path and renamed into place,
// so a concurrent transfer walk never sees a partial file under the final
// name. Errors wrap daqerr.ErrPersistence.
func (s *Stager) Stage(src string) (Archive, error) {
	dst := s.ArchivePath(src)
	a, err := s.stage(src, dst)
	if err != nil {
		return Archive{}, daqerr.Persistence("stage", src, err)
	}
	return a, nil
}

func (s *Stager) stage(src, dst string) (Archive, error) {
	in, err := os.Open(src)
	if err != nil {
		return Archive{}, err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return Archive{}, err
	}
	if !fi.Mode().IsRegular() {
		return Archive{}, fmt.Errorf("%s is not a regular file", src)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Archive{}, err
	}
	tmp, err := os.CreateTemp(s.dir, ".staging-*"+Ext+".tmp")
	if err != nil {
		return Archive{}, err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	h := blake3.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, h)}
	zw := zip.NewWriter(counter)
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return Archive{}, err
	}
	hdr.Name = filepath.Base(src)
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return Archive{}, err
	}
	if _, err := io.Copy(w, in); err != nil {
		return Archive{}, err
	}
	if err := zw.Close(); err != nil {
		return Archive{}, err
	}
	if err := tmp.Sync(); err != nil {
		return Archive{}, err
	}
	if err := tmp.Close(); err != nil {
		return Archive{}, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return Archive{}, err
	}
	ok = true
	return Archive{
		Source: src,
		Path:   dst,
		Size:   counter.n,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// StagePending stages every path in set except those listed in open
// (buckets still being written). Staged paths leave the set; failed ones
// stay for the next pass.
func (s *Stager) StagePending(set *datafile.PendingSet, open ...string) Report {
	var rep Report
	for _, p := range set.Paths() {
		if contains(open, p) {
			rep.Skipped = append(rep.Skipped, p)
			continue
		}
		a, err := s.Stage(p)
		if err != nil {
			s.log.Error("stage failed", "path", p, "err", err)
			rep.Failed = append(rep.Failed, Failure{Path: p, Err: err})
			continue
		}
		set.Remove(p)
		s.log.Info("staged", "path", p, "archive", a.Path, "bytes", a.Size)
		rep.Staged = append(rep.Staged, a)
	}
	return rep
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
