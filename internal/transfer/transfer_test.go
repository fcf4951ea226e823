package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTransferLocalRoundTrip(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, filepath.Join(local, "thermo", "thermo-2024010107.zip"), "archive-a")
	writeFile(t, filepath.Join(local, "ae31", "ae31-20240101.zip"), "archive-bb")
	writeFile(t, filepath.Join(local, "thermo", ".staging-1.zip.tmp"), "partial")

	var seen []string
	c := NewClient(&LocalRemote{Root: remote}, WithObserver(func(p string, _ int64, err error) {
		if err != nil {
			t.Errorf("observer got error for %s: %v", p, err)
		}
		seen = append(seen, p)
	}))
	rep, err := c.Transfer(context.Background(), local, "station1", true)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(rep.Transferred) != 2 || len(rep.Retained) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Bytes != int64(len("archive-a")+len("archive-bb")) {
		t.Fatalf("bytes = %d", rep.Bytes)
	}
	if len(seen) != 2 {
		t.Fatalf("observer calls = %d", len(seen))
	}
	got, err := os.ReadFile(filepath.Join(remote, "station1", "thermo", "thermo-2024010107.zip"))
	if err != nil || string(got) != "archive-a" {
		t.Fatalf("remote copy = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(local, "thermo", "thermo-2024010107.zip")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("local file should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(local, "thermo", ".staging-1.zip.tmp")); err != nil {
		t.Fatalf("hidden temp file must be left alone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "station1", "thermo", ".staging-1.zip.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("hidden temp file must not be uploaded")
	}
}

func TestTransferKeepsLocalWithoutRemove(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	src := filepath.Join(local, "a.zip")
	writeFile(t, src, "x")
	rep, err := NewClient(&LocalRemote{Root: remote}).Transfer(context.Background(), local, "", false)
	if err != nil || len(rep.Transferred) != 1 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("local file should remain: %v", err)
	}
}

func TestTransferEmptyOrMissingRootDoesNotConnect(t *testing.T) {
	r := &countingRemote{Remote: &LocalRemote{Root: "/does/not/exist"}}
	c := NewClient(r)
	for _, root := range []string{t.TempDir(), filepath.Join(t.TempDir(), "missing")} {
		rep, err := c.Transfer(context.Background(), root, "", true)
		if err != nil {
			t.Fatalf("%s: %v", root, err)
		}
		if len(rep.Transferred)+len(rep.Retained) != 0 {
			t.Fatalf("%s: unexpected report %+v", root, rep)
		}
	}
	if r.connects != 0 {
		t.Fatalf("connects = %d, want 0", r.connects)
	}
}

func TestTransferUnreachableRemote(t *testing.T) {
	local := t.TempDir()
	src := filepath.Join(local, "a.zip")
	writeFile(t, src, "x")
	_, err := NewClient(&LocalRemote{Root: filepath.Join(t.TempDir(), "gone")}).
		Transfer(context.Background(), local, "", true)
	if !errors.Is(err, daqerr.ErrTransfer) || !errors.Is(err, ErrConnection) {
		t.Fatalf("want transfer+connection error, got %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("local file must be retained: %v", err)
	}
}

func TestTransferSizeMismatchRetains(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, filepath.Join(local, "a.zip"), "aaaa")
	writeFile(t, filepath.Join(local, "b.zip"), "bbbb")
	r := &faultyRemote{root: remote, shortPut: "a.zip"}
	rep, err := NewClient(r).Transfer(context.Background(), local, "", true)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(rep.Retained) != 1 || !strings.Contains(rep.Retained[0].Reason, "size mismatch") {
		t.Fatalf("retained = %+v", rep.Retained)
	}
	if len(rep.Transferred) != 1 || filepath.Base(rep.Transferred[0]) != "b.zip" {
		t.Fatalf("transferred = %v", rep.Transferred)
	}
	if _, err := os.Stat(filepath.Join(local, "a.zip")); err != nil {
		t.Fatalf("mismatched file must stay: %v", err)
	}
}

func TestTransferConnectionLossAbortsPass(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	writeFile(t, filepath.Join(local, "a.zip"), "a")
	writeFile(t, filepath.Join(local, "b.zip"), "b")
	writeFile(t, filepath.Join(local, "c.zip"), "c")
	r := &faultyRemote{root: remote, dropOn: "b.zip"}
	rep, err := NewClient(r).Transfer(context.Background(), local, "", true)
	if !errors.Is(err, daqerr.ErrTransfer) || !errors.Is(err, ErrConnection) {
		t.Fatalf("want connection abort, got %v", err)
	}
	if len(rep.Transferred) != 1 || len(rep.Retained) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	for _, name := range []string{"b.zip", "c.zip"} {
		if _, err := os.Stat(filepath.Join(local, name)); err != nil {
			t.Fatalf("%s must stay local: %v", name, err)
		}
	}

	// The next pass picks up exactly what was left.
	r.dropOn = ""
	rep, err = NewClient(r).Transfer(context.Background(), local, "", true)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(rep.Transferred) != 2 {
		t.Fatalf("second pass transferred %v", rep.Transferred)
	}
	if r.puts["a.zip"] != 1 || r.puts["b.zip"] != 1 || r.puts["c.zip"] != 1 {
		t.Fatalf("each file must be put exactly once after success: %v", r.puts)
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.TransferConfig{})
	if err != nil || r != nil {
		t.Fatalf("empty backend: %v, %v", r, err)
	}
	r, err = FromConfig(config.TransferConfig{Backend: "local", Local: config.LocalConfig{Dir: "/mnt/archive"}})
	if err != nil {
		t.Fatal(err)
	}
	if r.String() != "file:///mnt/archive" {
		t.Fatalf("String() = %q", r.String())
	}
	if _, err := FromConfig(config.TransferConfig{Backend: "ftp"}); !errors.Is(err, daqerr.ErrConfig) {
		t.Fatalf("unknown backend: %v", err)
	}
	if _, err := FromConfig(config.TransferConfig{Backend: "sftp", SFTP: config.SFTPConfig{Host: "h"}}); !errors.Is(err, daqerr.ErrConfig) {
		t.Fatalf("sftp without credentials: %v", err)
	}
}

type countingRemote struct {
	Remote
	connects int
}

func (r *countingRemote) Connect(ctx context.Context) (Session, error) {
	r.connects++
	return r.Remote.Connect(ctx)
}

// faultyRemote wraps a local directory and injects failures by file name.
type faultyRemote struct {
	root     string
	shortPut string
	dropOn   string
	puts     map[string]int
}

func (r *faultyRemote) String() string { return "faulty://" + r.root }

func (r *faultyRemote) Connect(ctx context.Context) (Session, error) {
	if r.puts == nil {
		r.puts = make(map[string]int)
	}
	s, err := (&LocalRemote{Root: r.root}).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &faultySession{Session: s, r: r}, nil
}

type faultySession struct {
	Session
	r *faultyRemote
}

func (s *faultySession) Put(ctx context.Context, local, remote string) (int64, error) {
	name := filepath.Base(local)
	if name == s.r.dropOn {
		return 0, ErrConnection
	}
	n, err := s.Session.Put(ctx, local, remote)
	if err != nil {
		return n, err
	}
	s.r.puts[name]++
	if name == s.r.shortPut {
		p := filepath.Join(s.r.root, filepath.FromSlash(remote))
		if err := os.Truncate(p, 1); err != nil {
			return n, err
		}
	}
	return n, nil
}
