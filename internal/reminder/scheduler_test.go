package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbell/internal/lifecycle"
	"eventbell/internal/models"
	"eventbell/internal/policy"
	"eventbell/internal/store"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu   sync.Mutex
	sent []models.Reminder
	err  error
}

func (f *fakeSink) Send(_ context.Context, _ string, r models.Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, r)
	return nil
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSink) offsetsFor(id string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, r := range f.sent {
		if r.EventID == id {
			out = append(out, r.Offset)
		}
	}
	return out
}

type fakeLister struct {
	events []models.RemoteEvent
	err    error
	during func()
}

func (f *fakeLister) ListEvents(context.Context) ([]models.RemoteEvent, error) {
	if f.during != nil {
		f.during()
	}
	return f.events, f.err
}

type fixture struct {
	sched *Scheduler
	store *store.Store
	sink  *fakeSink
	rec   *lifecycle.Reconciler
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(nil)
	ph := policy.NewHolder(policy.Default())
	rec := lifecycle.NewReconciler(logger, st, ph)
	sink := &fakeSink{}

	return fixture{
		sched: NewScheduler(logger, st, ph, rec, sink, "chan-1", opts...),
		store: st,
		sink:  sink,
		rec:   rec,
	}
}

func (f fixture) put(t *testing.T, id string, start time.Time) {
	t.Helper()
	require.NoError(t, f.store.Put(models.Event{
		ID:          id,
		Name:        "Event " + id,
		Location:    "Hall",
		Description: "Desc",
		StartTime:   start,
		EndTime:     start.Add(2 * time.Hour),
	}))
}

func TestTick_FiresEachOffsetOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "ev", t0.Add(25*time.Hour))

	assert.Equal(t, 0, f.sched.Tick(ctx, t0).Sent)

	report := f.sched.Tick(ctx, t0.Add(time.Hour))
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []int{24}, f.sink.offsetsFor("ev"))

	assert.Equal(t, 0, f.sched.Tick(ctx, t0.Add(time.Hour+time.Second)).Sent)
	assert.Equal(t, 0, f.sched.Tick(ctx, t0.Add(12*time.Hour)).Sent)

	assert.Equal(t, 1, f.sched.Tick(ctx, t0.Add(13*time.Hour)).Sent)
	assert.Equal(t, 0, f.sched.Tick(ctx, t0.Add(14*time.Hour)).Sent)
	assert.Equal(t, []int{24, 12}, f.sink.offsetsFor("ev"))

	ev, ok := f.store.Get("ev")
	require.True(t, ok)
	assert.Equal(t, []int{24, 12}, ev.FiredList())
}

func TestTick_ReminderPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(t, "ev", t0.Add(23*time.Hour+30*time.Minute))
	require.NoError(t, f.store.SetImage("ev", "https://img.example/cover.png"))

	f.sched.Tick(context.Background(), t0)

	require.Len(t, f.sink.sent, 1)
	r := f.sink.sent[0]
	assert.Equal(t, "Event ev", r.Name)
	assert.Equal(t, "Hall", r.Location)
	assert.Equal(t, "Desc", r.Description)
	assert.Equal(t, "https://img.example/cover.png", r.ImageURL)
	assert.Equal(t, 24, r.Offset)
	assert.Equal(t, 24, r.HoursUntilStart)
}

func TestTick_MissedTicksStillFire(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(t, "ev", t0.Add(25*time.Hour))

	// First tick lands well after both instants; furthest-out offset goes first.
	report := f.sched.Tick(context.Background(), t0.Add(20*time.Hour))
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, []int{24, 12}, f.sink.offsetsFor("ev"))
}

func TestTick_SinkFailureRetriesNextTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "ev", t0.Add(24*time.Hour))
	f.put(t, "other", t0.Add(23*time.Hour))

	f.sink.setErr(errors.New("channel missing"))
	report := f.sched.Tick(ctx, t0)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 0, report.Sent)

	ev, _ := f.store.Get("ev")
	assert.False(t, ev.Fired(24))

	f.sink.setErr(nil)
	report = f.sched.Tick(ctx, t0.Add(time.Minute))
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, []int{24}, f.sink.offsetsFor("ev"))
}

func TestTick_CanceledRecordNeverFires(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "ev", t0.Add(30*time.Hour))

	outcome := f.rec.Apply(models.Change{ID: "ev", After: models.EventState{Status: models.StatusCanceled}}, t0)
	require.Equal(t, lifecycle.Removed, outcome)

	for h := 0; h < 30; h++ {
		f.sched.Tick(ctx, t0.Add(time.Duration(h)*time.Hour))
	}
	assert.Empty(t, f.sink.offsetsFor("ev"))
}

func TestTick_RescheduleAfterFirstReminder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "ev", t0.Add(25*time.Hour))

	f.sched.Tick(ctx, t0.Add(time.Hour))
	require.Equal(t, []int{24}, f.sink.offsetsFor("ev"))

	newStart := t0.Add(40 * time.Hour)
	outcome := f.rec.Apply(models.Change{
		ID:    "ev",
		After: models.EventState{StartTime: newStart, EndTime: newStart.Add(2 * time.Hour)},
	}, t0.Add(2*time.Hour))
	require.Equal(t, lifecycle.Rescheduled, outcome)

	// New 24h instant (t0+16h) passes without a second 24h reminder.
	for _, h := range []int{2, 16, 17, 27} {
		assert.Equal(t, 0, f.sched.Tick(ctx, t0.Add(time.Duration(h)*time.Hour)).Sent, "hour %d", h)
	}

	assert.Equal(t, 1, f.sched.Tick(ctx, newStart.Add(-12*time.Hour)).Sent)
	assert.Equal(t, []int{24, 12}, f.sink.offsetsFor("ev"))
}

func TestTick_RemovesStartedAndEnded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(t, "started", t0.Add(-time.Minute))
	f.put(t, "future", t0.Add(48*time.Hour))

	report := f.sched.Tick(context.Background(), t0)
	assert.Equal(t, 1, report.Removed)

	live := f.store.ListLive()
	require.Len(t, live, 1)
	assert.Equal(t, "future", live[0].ID)

	f.sched.Tick(context.Background(), t0.Add(51*time.Hour))
	assert.Empty(t, f.store.ListLive())
	assert.Empty(t, f.sink.offsetsFor("started"))
}

func TestTick_PolicyChangeAppliesNextTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(t, "ev", t0.Add(47*time.Hour))

	assert.Equal(t, 0, f.sched.Tick(context.Background(), t0).Sent)

	p, err := policy.New([]int{48, 1}, time.Minute)
	require.NoError(t, err)
	f.sched.SetPolicy(p)

	assert.Equal(t, 1, f.sched.Tick(context.Background(), t0).Sent)
	assert.Equal(t, []int{48}, f.sink.offsetsFor("ev"))
	assert.Equal(t, p, f.sched.Policy())
}

func TestTick_RemoteReconciliation(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{}
	f := newFixture(t, WithLister(lister))
	f.put(t, "kept", t0.Add(30*time.Hour))
	f.put(t, "gone", t0.Add(30*time.Hour))
	f.put(t, "moved", t0.Add(30*time.Hour))

	lister.events = []models.RemoteEvent{
		{ID: "kept", Name: "Event kept", Location: "Hall", Description: "Desc", StartTime: t0.Add(30 * time.Hour), EndTime: t0.Add(32 * time.Hour)},
		{ID: "moved", Name: "Event moved", Location: "Hall", Description: "Desc", StartTime: t0.Add(10 * time.Hour), EndTime: t0.Add(12 * time.Hour)},
	}

	report := f.sched.Tick(context.Background(), t0)

	_, ok := f.store.Get("gone")
	assert.False(t, ok)

	moved, ok := f.store.Get("moved")
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Hour), moved.StartTime)

	// The moved event is now inside both windows.
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, []int{24, 12}, f.sink.offsetsFor("moved"))
	assert.Empty(t, f.sink.offsetsFor("kept"))
}

func TestTick_RemoteSyncKeepsEventCreatedDuringList(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{}
	f := newFixture(t, WithLister(lister))
	lister.during = func() { f.put(t, "fresh", t0.Add(48*time.Hour)) }

	report := f.sched.Tick(context.Background(), t0)

	_, ok := f.store.Get("fresh")
	assert.True(t, ok)
	assert.Zero(t, report.Removed)

	// The next tick sees it in the list and keeps it.
	lister.during = nil
	lister.events = []models.RemoteEvent{
		{ID: "fresh", Name: "Event fresh", Location: "Hall", Description: "Desc", StartTime: t0.Add(48 * time.Hour), EndTime: t0.Add(50 * time.Hour)},
	}
	f.sched.Tick(context.Background(), t0.Add(time.Minute))
	_, ok = f.store.Get("fresh")
	assert.True(t, ok)
}

func TestTick_RemoteListFailureKeepsLocalState(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{err: errors.New("503")}
	f := newFixture(t, WithLister(lister))
	f.put(t, "ev", t0.Add(20*time.Hour))

	report := f.sched.Tick(context.Background(), t0)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, f.store.Len())
}

func TestTick_CanceledContextStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(t, "ev", t0.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.sched.Tick(ctx, t0)
	assert.Equal(t, 0, report.Evaluated)
	assert.Empty(t, f.sink.sent)
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	ticks := make(chan time.Time, 4)
	f := newFixture(t, WithClock(func() time.Time {
		now := t0
		select {
		case ticks <- now:
		default:
		}
		return now
	}))

	p, err := policy.New([]int{24}, time.Second)
	require.NoError(t, err)
	f.sched.SetPolicy(p)

	ctx := context.Background()
	require.NoError(t, f.sched.Start(ctx))
	require.Error(t, f.sched.Start(ctx))

	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("no tick within 5s")
	}

	p2, err := policy.New([]int{24}, 2*time.Second)
	require.NoError(t, err)
	f.sched.SetPolicy(p2)

	f.sched.Stop()
	f.sched.Stop()
}
