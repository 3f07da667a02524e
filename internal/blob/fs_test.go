package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFS_DiscardRemovesStagingFile(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	st, err := s.Stage(ctx, strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.Discard(ctx, st))
	require.NoError(t, s.Discard(ctx, st), "discarding twice must succeed")

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFS_FetchIsTheStoredFile(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	st, err := s.Stage(ctx, strings.NewReader("audio"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, st, "c.wav"))

	p, release, err := s.Fetch(ctx, "c.wav")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, s.dir, filepath.Dir(p))
}
