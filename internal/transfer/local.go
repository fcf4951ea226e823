package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalRemote stores archives under a directory, typically a mounted
// network share. A missing root counts as an unreachable remote.
type LocalRemote struct {
	Root string
}

func (r *LocalRemote) String() string { return "file://" + r.Root }

func (r *LocalRemote) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(r.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrConnection, r.Root)
	}
	return &localSession{root: r.Root}, nil
}

type localSession struct{ root string }

func (s *localSession) abs(remote string) string {
	return filepath.Join(s.root, filepath.FromSlash(remote))
}

func (s *localSession) MkdirAll(_ context.Context, dir string) error {
	return os.MkdirAll(s.abs(dir), 0o755)
}

func (s *localSession) Put(ctx context.Context, local, remote string) (n int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	dst := s.abs(remote)
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if n, err = io.Copy(tmp, in); err != nil {
		return n, err
	}
	if err = tmp.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), dst)
}

func (s *localSession) Exists(_ context.Context, remote string) (bool, error) {
	_, err := os.Stat(s.abs(remote))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *localSession) Size(_ context.Context, remote string) (int64, error) {
	fi, err := os.Stat(s.abs(remote))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *localSession) Remove(_ context.Context, remote string) error {
	return os.Remove(s.abs(remote))
}

func (s *localSession) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.abs(dir))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (s *localSession) Close() error { return nil }
