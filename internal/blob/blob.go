// Package blob stores uploaded audio files.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// validName rejects names that could escape the store or collide with staged uploads.
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid blob name %q", name)
	}
	return nil
}

// Info describes a committed blob.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Staged is an upload written under a private name, not yet visible to List or Fetch.
type Staged struct {
	ref  string
	Size int64
}

// Store holds resource bytes. A blob becomes visible atomically on Commit.
type Store interface {
	Stage(ctx context.Context, r io.Reader) (*Staged, error)
	Commit(ctx context.Context, s *Staged, name string) error
	Discard(ctx context.Context, s *Staged) error
	// Fetch returns a local path to the blob. release must be called when done.
	Fetch(ctx context.Context, name string) (path string, release func(), err error)
	Stat(ctx context.Context, name string) (Info, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Info, error)
}
