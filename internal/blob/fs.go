package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const stagingPrefix = ".staging-"

// FS keeps blobs as plain files in one directory. Staged files live in the same
// directory so Commit is a rename.
type FS struct {
	dir string
}

func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}
	return &FS{dir: dir}, nil
}

func (s *FS) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FS) Stage(_ context.Context, r io.Reader) (*Staged, error) {
	f, err := os.CreateTemp(s.dir, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("write staging file: %w", err)
	}
	return &Staged{ref: f.Name(), Size: n}, nil
}

func (s *FS) Commit(_ context.Context, st *Staged, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Rename(st.ref, p); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func (s *FS) Discard(_ context.Context, st *Staged) error {
	if err := os.Remove(st.ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FS) Fetch(ctx context.Context, name string) (string, func(), error) {
	if _, err := s.Stat(ctx, name); err != nil {
		return "", nil, err
	}
	p, _ := s.path(name)
	return p, func() {}, nil
}

func (s *FS) Stat(_ context.Context, name string) (Info, error) {
	p, err := s.path(name)
	if err != nil {
		return Info{}, ErrNotFound
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if fi.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Name: name, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *FS) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (s *FS) List(_ context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Info{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return out, nil
}
