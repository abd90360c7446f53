package policy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		offsets  []int
		interval time.Duration
		want     []int
		wantErr  bool
	}{
		{name: "sorted descending", offsets: []int{12, 24, 1}, interval: time.Minute, want: []int{24, 12, 1}},
		{name: "empty", offsets: nil, interval: time.Minute, wantErr: true},
		{name: "zero offset", offsets: []int{0}, interval: time.Minute, wantErr: true},
		{name: "negative offset", offsets: []int{-3}, interval: time.Minute, wantErr: true},
		{name: "duplicate", offsets: []int{24, 24}, interval: time.Minute, wantErr: true},
		{name: "zero interval", offsets: []int{24}, interval: 0, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := New(tt.offsets, tt.interval)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Offsets)
			assert.Equal(t, tt.interval, p.Interval)
		})
	}
}

func TestNew_DoesNotAliasInput(t *testing.T) {
	t.Parallel()

	in := []int{12, 24}
	p, err := New(in, time.Minute)
	require.NoError(t, err)

	in[0] = 99
	assert.Equal(t, []int{24, 12}, p.Offsets)
	assert.Equal(t, []int{12, 24}, p.Ascending())
}

func TestParseOffsets(t *testing.T) {
	t.Parallel()

	got, err := ParseOffsets(" 24, 12 ,")
	require.NoError(t, err)
	assert.Equal(t, []int{24, 12}, got)

	_, err = ParseOffsets("24,soon")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = ParseOffsets(" , ")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestHolder(t *testing.T) {
	t.Parallel()

	h := NewHolder(Default())
	assert.Equal(t, []int{24, 12}, h.Load().Offsets)

	next, err := New([]int{48, 2}, 10*time.Minute)
	require.NoError(t, err)

	prev := h.Store(next)
	assert.Equal(t, Default(), prev)
	assert.Equal(t, next, h.Load())

	var zero Holder
	assert.Equal(t, Default(), zero.Load())
}

func TestHolder_ConcurrentSwap(t *testing.T) {
	t.Parallel()

	a, _ := New([]int{24, 12}, time.Minute)
	b, _ := New([]int{6, 3, 1}, 2*time.Minute)
	h := NewHolder(a)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Store(b)
			h.Store(a)
		}()
		go func() {
			defer wg.Done()
			p := h.Load()
			if len(p.Offsets) == 2 {
				assert.Equal(t, a, p)
			} else {
				assert.Equal(t, b, p)
			}
		}()
	}
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	full := filepath.Join(dir, "full.yaml")
	require.NoError(t, os.WriteFile(full, []byte("offsets: [6, 48]\ninterval_minutes: 15\n"), 0o600))

	p, err := LoadFile(full, Default())
	require.NoError(t, err)
	assert.Equal(t, []int{48, 6}, p.Offsets)
	assert.Equal(t, 15*time.Minute, p.Interval)

	partial := filepath.Join(dir, "partial.yaml")
	require.NoError(t, os.WriteFile(partial, []byte("interval_minutes: 1\n"), 0o600))

	p, err = LoadFile(partial, Default())
	require.NoError(t, err)
	assert.Equal(t, []int{24, 12}, p.Offsets)
	assert.Equal(t, time.Minute, p.Interval)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("offsets: [0]\n"), 0o600))

	_, err = LoadFile(bad, Default())
	require.ErrorIs(t, err, ErrInvalid)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"), Default())
	require.Error(t, err)
}
