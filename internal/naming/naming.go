// Package naming assigns collision-free names to uploaded files.
package naming

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// MaxAttempts bounds the number of suffixes Resolve tries.
const MaxAttempts = 10000

const maxNameBytes = 255

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrExhausted   = errors.New("no free file name")
)

// ClaimFunc atomically reserves name. It returns false when the name is taken.
type ClaimFunc func(ctx context.Context, name string) (bool, error)

// Sanitize reduces a client-supplied file name to a safe base name.
func Sanitize(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	switch {
	case name == "" || name == "." || name == ".." || name == "/":
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidName)
	case len(name) > maxNameBytes:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameBytes)
	}
	return name, nil
}

// Candidate returns the n-th name tried for name: the name itself for n == 0,
// then "stem(n).ext".
func Candidate(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = ext, ""
	}
	return fmt.Sprintf("%s(%d)%s", stem, n, ext)
}

// Resolve claims the first free candidate of name and returns it. Concurrent
// resolutions of the same name never return the same result because every
// attempt goes through claim.
func Resolve(ctx context.Context, name string, claim ClaimFunc) (string, error) {
	for n := range MaxAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c := Candidate(name, n)
		ok, err := claim(ctx, c)
		if err != nil {
			return "", fmt.Errorf("claim %q: %w", c, err)
		}
		if ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w for %q after %d attempts", ErrExhausted, name, MaxAttempts)
}
