package naming

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memClaims is an in-memory create-if-absent set.
type memClaims struct {
	mu    sync.Mutex
	taken map[string]bool
}

func newMemClaims(names ...string) *memClaims {
	m := &memClaims{taken: map[string]bool{}}
	for _, n := range names {
		m.taken[n] = true
	}
	return m
}

func (m *memClaims) claim(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken[name] {
		return false, nil
	}
	m.taken[name] = true
	return true, nil
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a.wav", want: "a.wav"},
		{in: "dir/sub/a.wav", want: "a.wav"},
		{in: `C:\Users\me\talk.mp3`, want: "talk.mp3"},
		{in: "  spaced.ogg ", want: "spaced.ogg"},
		{in: "", wantErr: true},
		{in: "..", wantErr: true},
		{in: "a/..", wantErr: true},
		{in: ".hidden.wav", wantErr: true},
		{in: "nul\x00.wav", wantErr: true},
		{in: strings.Repeat("x", 256) + ".wav", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Sanitize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCandidate(t *testing.T) {
	assert.Equal(t, "a.wav", Candidate("a.wav", 0))
	assert.Equal(t, "a(1).wav", Candidate("a.wav", 1))
	assert.Equal(t, "a(12).wav", Candidate("a.wav", 12))
	assert.Equal(t, "talk.final(2).mp3", Candidate("talk.final.mp3", 2))
	assert.Equal(t, "noext(3)", Candidate("noext", 3))
}

func TestResolve_Sequence(t *testing.T) {
	ctx := context.Background()
	claims := newMemClaims()

	var got []string
	for range 3 {
		name, err := Resolve(ctx, "a.wav", claims.claim)
		require.NoError(t, err)
		got = append(got, name)
	}
	assert.Equal(t, []string{"a.wav", "a(1).wav", "a(2).wav"}, got)
}

func TestResolve_SkipsTakenSuffix(t *testing.T) {
	claims := newMemClaims("a.wav", "a(1).wav")
	name, err := Resolve(context.Background(), "a.wav", claims.claim)
	require.NoError(t, err)
	assert.Equal(t, "a(2).wav", name)
}

func TestResolve_ConcurrentNeverCollide(t *testing.T) {
	ctx := context.Background()
	claims := newMemClaims()

	const n = 50
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := Resolve(ctx, "a.wav", claims.claim)
			assert.NoError(t, err)
			names[i] = name
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, name := range names {
		assert.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
	assert.Len(t, seen, n)
}

func TestResolve_ClaimError(t *testing.T) {
	boom := errors.New("store down")
	_, err := Resolve(context.Background(), "a.wav", func(context.Context, string) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestResolve_Exhausted(t *testing.T) {
	_, err := Resolve(context.Background(), "a.wav", func(context.Context, string) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrExhausted)
}
