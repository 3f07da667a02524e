package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File name suffixes of the filesystem layout, checked in this order.
var fsSuffixes = []struct {
	kind   Kind
	suffix string
}{
	{KindStatus, "_status.json"},
	{KindMetadata, "_metadata.json"},
	{KindResource, "_resource.json"},
	{KindTranscript, ".txt"},
}

// FSDocuments stores each document as a file in one directory:
// <id>_status.json, <id>_metadata.json, <id>_resource.json and <id>.txt.
//
// Replacement goes through a temporary file and a rename. Create relies on link(2)
// failing when the target exists. CompareAndSwap is only atomic within one process.
type FSDocuments struct {
	dir   string
	locks sync.Map // path -> *sync.Mutex
}

// NewFSDocuments creates dir if needed.
func NewFSDocuments(dir string) (*FSDocuments, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &FSDocuments{dir: dir}, nil
}

func (d *FSDocuments) path(key Key) string {
	for _, s := range fsSuffixes {
		if s.kind == key.Kind {
			return filepath.Join(d.dir, key.JobID+s.suffix)
		}
	}
	return filepath.Join(d.dir, key.JobID+"_"+string(key.Kind))
}

func (d *FSDocuments) lock(p string) func() {
	v, _ := d.locks.LoadOrStore(p, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (d *FSDocuments) Get(_ context.Context, key Key) ([]byte, error) {
	body, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

// writeTemp writes body to a fresh hidden file in the document directory.
func (d *FSDocuments) writeTemp(body []byte) (string, error) {
	f, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (d *FSDocuments) replace(p string, body []byte) error {
	tmp, err := d.writeTemp(body)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *FSDocuments) Put(_ context.Context, key Key, body []byte) error {
	p := d.path(key)
	defer d.lock(p)()
	if err := d.replace(p, body); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (d *FSDocuments) Create(_ context.Context, key Key, body []byte) (bool, error) {
	tmp, err := d.writeTemp(body)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, d.path(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	return true, nil
}

func (d *FSDocuments) CompareAndSwap(_ context.Context, key Key, old, body []byte) (bool, error) {
	p := d.path(key)
	defer d.lock(p)()

	cur, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	if !sameBody(cur, old) {
		return false, nil
	}
	if err := d.replace(p, body); err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	return true, nil
}

func (d *FSDocuments) Remove(_ context.Context, key Key) error {
	p := d.path(key)
	defer d.lock(p)()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (d *FSDocuments) Keys(_ context.Context) ([]Key, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read document dir: %w", err)
	}

	var keys []Key
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		for _, s := range fsSuffixes {
			id, ok := strings.CutSuffix(name, s.suffix)
			if ok && ValidID(id) {
				keys = append(keys, Key{JobID: id, Kind: s.kind})
				break
			}
		}
	}
	return keys, nil
}

func (d *FSDocuments) Close() error { return nil }
