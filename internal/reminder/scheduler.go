package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eventbell/internal/lifecycle"
	"eventbell/internal/models"
	"eventbell/internal/policy"
	"eventbell/internal/store"
	"eventbell/internal/timing"
)

// Sink delivers a reminder to a notification channel.
type Sink interface {
	Send(ctx context.Context, channelID string, r models.Reminder) error
}

// Lister returns the event-hosting service's authoritative list of events.
type Lister interface {
	ListEvents(ctx context.Context) ([]models.RemoteEvent, error)
}

// Report summarises one tick.
type Report struct {
	Evaluated int
	Sent      int
	Failed    int
	Removed   int
}

// Scheduler evaluates every live record against the notification policy on a
// single periodic tick and sends each due reminder once.
type Scheduler struct {
	logger     *slog.Logger
	store      *store.Store
	policy     *policy.Holder
	reconciler *lifecycle.Reconciler
	sink       Sink
	channelID  string
	lister     Lister
	now        func() time.Time

	tickMu sync.Mutex

	cronMu sync.Mutex
	cron   *cron.Cron
	entry  cron.EntryID
	runCtx context.Context //nolint:containedctx
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLister enables reconciliation against the service's authoritative state on every tick.
func WithLister(l Lister) Option {
	return func(s *Scheduler) { s.lister = l }
}

// WithClock overrides the time source used by scheduled ticks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(logger *slog.Logger, st *store.Store, ph *policy.Holder, rec *lifecycle.Reconciler, sink Sink, channelID string, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:     logger,
		store:      st,
		policy:     ph,
		reconciler: rec,
		sink:       sink,
		channelID:  channelID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one reconciliation pass as of now. Ticks never overlap.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) Report {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now = now.UTC()
	var report Report

	if s.lister != nil {
		s.syncRemote(ctx, now)
	}

	p := s.policy.Load()
	for _, snap := range s.store.ListLive() {
		if ctx.Err() != nil {
			s.logger.Warn("Tick interrupted.", "error", ctx.Err())
			return report
		}
		report.Evaluated++

		if !snap.StartTime.After(now) || !snap.EndTime.After(now) {
			if s.store.Remove(snap.ID) {
				s.logger.Info("Event started or ended, removed from store.", "eventID", snap.ID, "name", snap.Name)
				report.Removed++
			}
			continue
		}

		for _, offset := range p.Offsets {
			// Re-read so a cancel or reschedule applied since the snapshot is honoured.
			ev, ok := s.store.Get(snap.ID)
			if !ok {
				break
			}
			if !timing.IsDue(now, ev.StartTime, offset, ev.FiredOffsets) {
				continue
			}

			r := newReminder(ev, offset, now)
			if err := s.sink.Send(ctx, s.channelID, r); err != nil {
				s.logger.Error("Failed to send reminder", "eventID", ev.ID, "name", ev.Name, "offset", offset, "error", err)
				report.Failed++
				continue
			}
			if err := s.store.MarkFired(ev.ID, offset); err != nil && !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("Failed to mark reminder as sent", "eventID", ev.ID, "offset", offset, "error", err)
			}
			s.logger.Info("Reminder sent.", "eventID", ev.ID, "name", ev.Name, "offset", offset, "hoursUntilStart", r.HoursUntilStart)
			report.Sent++
		}
	}

	s.logger.Debug("Tick finished.",
		"evaluated", report.Evaluated,
		"sent", report.Sent,
		"failed", report.Failed,
		"removed", report.Removed,
	)
	return report
}

// syncRemote reconciles local records against the service's event list. A record
// missing from the list is treated as canceled. Only records stored before the
// list was requested are considered; anything newer may not be listed yet.
func (s *Scheduler) syncRemote(ctx context.Context, now time.Time) {
	local := s.store.ListLive()
	remote, err := s.lister.ListEvents(ctx)
	if err != nil {
		s.logger.Warn("Could not list remote events, using local state", "error", err)
		return
	}

	byID := make(map[string]models.RemoteEvent, len(remote))
	for _, r := range remote {
		byID[r.ID] = r
	}

	for _, ev := range local {
		before := ev.State()
		after := before
		if r, ok := byID[ev.ID]; ok {
			after = models.EventState{
				Name:        r.Name,
				Location:    r.Location,
				Description: r.Description,
				StartTime:   r.StartTime,
				EndTime:     r.EndTime,
				Status:      r.Status,
			}
		} else {
			after.Status = models.StatusCanceled
		}

		outcome := s.reconciler.Apply(models.Change{ID: ev.ID, Before: before, After: after}, now)
		if outcome != lifecycle.Unchanged && outcome != lifecycle.Ignored {
			s.logger.Info("Reconciled event against remote state.", "eventID", ev.ID, "outcome", outcome.String())
		}
	}
}

func newReminder(ev models.Event, offset int, now time.Time) models.Reminder {
	return models.Reminder{
		EventID:         ev.ID,
		Name:            ev.Name,
		Location:        ev.Location,
		Description:     ev.Description,
		ImageURL:        ev.ImageURL,
		StartTime:       ev.StartTime,
		Offset:          offset,
		HoursUntilStart: timing.HoursUntil(now, ev.StartTime),
	}
}

// Start registers the periodic tick and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	s.runCtx = ctx

	if err := s.scheduleLocked(s.policy.Load().Interval); err != nil {
		s.cron = nil
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started.", "policy", s.policy.Load().String())
	return nil
}

// Stop halts the cron runner and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.entry = 0
	s.cronMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped.")
}

// SetPolicy publishes a new policy. When the interval changes the periodic tick is
// re-registered; the next tick reads the new offsets either way.
func (s *Scheduler) SetPolicy(p policy.Policy) {
	prev := s.policy.Store(p)

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron == nil || prev.Interval == p.Interval {
		return
	}
	if err := s.scheduleLocked(p.Interval); err != nil {
		s.logger.Error("Failed to reschedule tick", "interval", p.Interval, "error", err)
	}
}

// Policy returns the policy in effect.
func (s *Scheduler) Policy() policy.Policy {
	return s.policy.Load()
}

func (s *Scheduler) scheduleLocked(interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("tick interval %s is below one second", interval)
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.Tick(s.runCtx, s.now())
	}))
	s.logger.Info("Tick scheduled.", "interval", interval)
	return nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
