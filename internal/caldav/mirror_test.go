package caldav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbell/internal/models"
)

type fakeObjects struct {
	mu      sync.Mutex
	puts    map[string]*ical.Calendar
	removed []string
	putErr  error
}

func (f *fakeObjects) PutCalendarObject(_ context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts[path] = cal
	return &caldav.CalendarObject{Path: path}, nil
}

func (f *fakeObjects) RemoveAll(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeObjects) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts), append([]string(nil), f.removed...)
}

var start = time.Date(2026, 9, 12, 23, 0, 0, 0, time.UTC)

func sampleEvent() models.Event {
	return models.Event{
		ID:          "ev-1",
		Name:        "Game night",
		Location:    "Room 4",
		Description: "Bring dice",
		StartTime:   start,
		EndTime:     start.Add(3 * time.Hour),
		ImageURL:    "https://cdn.example/cover.png",
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToCalendar(t *testing.T) {
	t.Parallel()

	stamp := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	cal := toCalendar(sampleEvent(), stamp)

	events := cal.Events()
	require.Len(t, events, 1)
	ve := events[0]

	summary, err := ve.Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Game night", summary)

	uidText, err := ve.Props.Text(ical.PropUID)
	require.NoError(t, err)
	assert.Equal(t, "ev-1@eventbell", uidText)

	dtStart, err := ve.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	require.NoError(t, err)
	assert.True(t, dtStart.Equal(start))

	dtEnd, err := ve.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
	require.NoError(t, err)
	assert.True(t, dtEnd.Equal(start.Add(3*time.Hour)))

	location, err := ve.Props.Text(ical.PropLocation)
	require.NoError(t, err)
	assert.Equal(t, "Room 4", location)

	attach := ve.Props.Get(ical.PropAttach)
	require.NotNil(t, attach)
	assert.Equal(t, "https://cdn.example/cover.png", attach.Value)

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))
	assert.Contains(t, buf.String(), "SUMMARY:Game night")
}

func TestToCalendar_OptionalFields(t *testing.T) {
	t.Parallel()

	ev := sampleEvent()
	ev.Description = ""
	ev.ImageURL = ""

	ve := toCalendar(ev, start).Events()[0]
	assert.Nil(t, ve.Props.Get(ical.PropDescription))
	assert.Nil(t, ve.Props.Get(ical.PropAttach))
}

func TestMirror_RunAppliesQueuedOps(t *testing.T) {
	t.Parallel()

	objects := &fakeObjects{puts: map[string]*ical.Calendar{}}
	m := newMirror(discard(), objects, "/calendars/user/events")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Upserted(sampleEvent())
	m.Removed(sampleEvent())

	assert.Eventually(t, func() bool {
		puts, removed := objects.snapshot()
		return puts == 1 && len(removed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, removed := objects.snapshot()
	assert.Equal(t, []string{"/calendars/user/events/ev-1.ics"}, removed)

	cancel()
	<-done
}

func TestMirror_WriteFailureDoesNotStopWorker(t *testing.T) {
	t.Parallel()

	objects := &fakeObjects{puts: map[string]*ical.Calendar{}, putErr: errors.New("507 insufficient storage")}
	m := newMirror(discard(), objects, "/cal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Upserted(sampleEvent())
	m.Removed(sampleEvent())

	assert.Eventually(t, func() bool {
		_, removed := objects.snapshot()
		return len(removed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMirror_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	m := newMirror(discard(), &fakeObjects{puts: map[string]*ical.Calendar{}}, "/cal")

	// No worker is running; enqueueing past capacity must return immediately.
	for i := 0; i < queueSize+10; i++ {
		m.Upserted(sampleEvent())
	}
	assert.Len(t, m.queue, queueSize)
}
