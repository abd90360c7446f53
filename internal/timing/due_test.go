package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		start  time.Time
		offset int
		fired  map[int]bool
		want   bool
	}{
		{name: "outside window", start: now.Add(25 * time.Hour), offset: 24, want: false},
		{name: "exactly at boundary", start: now.Add(24 * time.Hour), offset: 24, want: true},
		{name: "inside window", start: now.Add(23 * time.Hour), offset: 24, want: true},
		{name: "well past a missed tick", start: now.Add(2 * time.Hour), offset: 24, want: true},
		{name: "already fired", start: now.Add(23 * time.Hour), offset: 24, fired: map[int]bool{24: true}, want: false},
		{name: "other offset fired", start: now.Add(11 * time.Hour), offset: 12, fired: map[int]bool{24: true}, want: true},
		{name: "event starting now", start: now, offset: 24, want: false},
		{name: "event underway", start: now.Add(-time.Minute), offset: 24, want: false},
		{name: "nil fired set", start: now.Add(time.Hour), offset: 1, fired: nil, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsDue(now, tt.start, tt.offset, tt.fired))
		})
	}
}

func TestFiredAfterReschedule(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldStart := created.Add(25 * time.Hour)

	t.Run("passed instants stay fired", func(t *testing.T) {
		t.Parallel()

		got := FiredAfterReschedule(oldStart, []int{24, 12}, created.Add(2*time.Hour))
		assert.Equal(t, map[int]bool{24: true}, got)
	})

	t.Run("nothing passed", func(t *testing.T) {
		t.Parallel()

		got := FiredAfterReschedule(oldStart, []int{24, 12}, created)
		assert.Empty(t, got)
	})

	t.Run("instant exactly at update counts as passed", func(t *testing.T) {
		t.Parallel()

		got := FiredAfterReschedule(oldStart, []int{24, 12}, created.Add(13*time.Hour))
		assert.Equal(t, map[int]bool{24: true, 12: true}, got)
	})
}

func TestHoursUntil(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 24, HoursUntil(now, now.Add(24*time.Hour)))
	assert.Equal(t, 12, HoursUntil(now, now.Add(11*time.Hour+30*time.Minute)))
	assert.Equal(t, 0, HoursUntil(now, now.Add(-time.Hour)))
}
