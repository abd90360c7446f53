package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle status of a scheduled event.
type Status int

const (
	StatusScheduled Status = iota // pending or in progress
	StatusCanceled
	StatusConcluded
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusCanceled:
		return "canceled"
	case StatusConcluded:
		return "concluded"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "scheduled", "active":
		*s = StatusScheduled
	case "canceled", "cancelled":
		*s = StatusCanceled
	case "concluded", "completed":
		*s = StatusConcluded
	default:
		return fmt.Errorf("unknown event status %q", string(b))
	}
	return nil
}

// Event is the engine's record of one live scheduled event.
// It is independent of the event-hosting service's own representation.
type Event struct {
	ID               string       // Identifier assigned by the event-hosting service
	CorrelationToken string       // Single-use token binding a later image upload to this record
	Name             string       // Display name
	Location         string       // Free-form location
	Description      string       // Description shown in reminders
	StartTime        time.Time    // Scheduled start, UTC
	EndTime          time.Time    // Scheduled end, UTC
	Status           Status       // Always StatusScheduled while the record is stored
	ImageURL         string       // Cover image, empty until attached
	FiredOffsets     map[int]bool // Reminder offsets (hours) already sent since the last reschedule
	CreatedAt        time.Time
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	out := e
	out.FiredOffsets = make(map[int]bool, len(e.FiredOffsets))
	for k, v := range e.FiredOffsets {
		if v {
			out.FiredOffsets[k] = true
		}
	}
	return out
}

// Fired reports whether the reminder for offset has already been sent.
func (e Event) Fired(offset int) bool {
	return e.FiredOffsets[offset]
}

// FiredList returns the fired offsets sorted descending.
func (e Event) FiredList() []int {
	out := make([]int, 0, len(e.FiredOffsets))
	for k, v := range e.FiredOffsets {
		if v {
			out = append(out, k)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// State projects the mutable, externally-owned fields of e.
func (e Event) State() EventState {
	return EventState{
		Name:        e.Name,
		Location:    e.Location,
		Description: e.Description,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		Status:      e.Status,
	}
}

// EventState is one side of an external change notification.
type EventState struct {
	Name        string    `json:"name,omitempty"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      Status    `json:"status"`
}

// Change is an external notification that a scheduled event was modified.
type Change struct {
	ID     string     `json:"id"`
	Before EventState `json:"before"`
	After  EventState `json:"after"`
}

// RemoteEvent is the event-hosting service's authoritative view of an event.
type RemoteEvent struct {
	ID          string
	Name        string
	Location    string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Status      Status
}

// EventSpec carries the validated fields for an event creation call.
type EventSpec struct {
	Name        string
	Location    string
	Description string
	StartTime   time.Time
	EndTime     time.Time
}

// Reminder is the payload handed to a notification sink.
type Reminder struct {
	EventID         string
	Name            string
	Location        string
	Description     string
	ImageURL        string
	StartTime       time.Time
	Offset          int // policy offset that triggered the reminder, in hours
	HoursUntilStart int // whole hours remaining, rounded up
}
