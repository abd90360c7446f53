// Package timing decides when a reminder offset is due.
//
// Due-ness depends only on the current instant, the event start and the set of
// offsets already sent, so a delayed or skipped tick still fires the reminder on
// the next one.
package timing

import (
	"math"
	"time"
)

// Offset converts a reminder offset in hours to a duration.
func Offset(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}

// IsDue reports whether the reminder for offsetHours should be sent at now.
// Events that have already started are never due.
func IsDue(now, start time.Time, offsetHours int, fired map[int]bool) bool {
	if !start.After(now) {
		return false
	}
	if fired[offsetHours] {
		return false
	}
	return start.Sub(now) <= Offset(offsetHours)
}

// FireInstant is the instant at which the reminder for offsetHours becomes due.
func FireInstant(start time.Time, offsetHours int) time.Time {
	return start.Add(-Offset(offsetHours))
}

// FiredAfterReschedule returns the fired-offset set for a record whose start moved
// away from oldStart at instant at: offsets whose original fire instant had passed
// stay fired, the rest become eligible again against the new start.
func FiredAfterReschedule(oldStart time.Time, offsets []int, at time.Time) map[int]bool {
	out := make(map[int]bool, len(offsets))
	for _, o := range offsets {
		if !FireInstant(oldStart, o).After(at) {
			out[o] = true
		}
	}
	return out
}

// HoursUntil returns the whole hours from now to start, rounded up.
func HoursUntil(now, start time.Time) int {
	d := start.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours()))
}
