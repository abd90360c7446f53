package lifecycle

import (
	"errors"
	"log/slog"
	"time"

	"eventbell/internal/models"
	"eventbell/internal/policy"
	"eventbell/internal/store"
	"eventbell/internal/timing"
)

// Outcome describes what Apply did with a change notification.
type Outcome int

const (
	Ignored     Outcome = iota // no matching record
	Unchanged                  // record matched but nothing relevant changed
	Updated                    // display fields or end time changed
	Rescheduled                // start time changed, fired offsets recomputed
	Removed                    // canceled or concluded
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Rescheduled:
		return "rescheduled"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Reconciler applies external change notifications to the store.
type Reconciler struct {
	logger *slog.Logger
	store  *store.Store
	policy *policy.Holder
}

// NewReconciler creates a new Reconciler.
func NewReconciler(logger *slog.Logger, st *store.Store, ph *policy.Holder) *Reconciler {
	return &Reconciler{logger: logger, store: st, policy: ph}
}

// Apply folds one change notification into the store as observed at now.
func (r *Reconciler) Apply(change models.Change, now time.Time) Outcome {
	current, ok := r.store.Get(change.ID)
	if !ok {
		r.logger.Debug("Change for unknown event, ignoring.", "eventID", change.ID)
		return Ignored
	}

	after := change.After
	switch {
	case after.Status == models.StatusCanceled:
		return r.remove(current, "canceled")
	case after.Status == models.StatusConcluded:
		return r.remove(current, "concluded")
	case !after.EndTime.IsZero() && after.EndTime.Before(now):
		return r.remove(current, "concluded")
	}

	rescheduled := !after.StartTime.IsZero() && !after.StartTime.Equal(current.StartTime)
	if !rescheduled && !displayChanged(current, after) {
		return Unchanged
	}

	offsets := r.policy.Load().Offsets
	updated, err := r.store.Update(change.ID, func(ev *models.Event) {
		if after.Name != "" {
			ev.Name = after.Name
		}
		if after.Location != "" {
			ev.Location = after.Location
		}
		if after.Description != "" {
			ev.Description = after.Description
		}
		switch {
		case !after.EndTime.IsZero():
			ev.EndTime = after.EndTime.UTC()
		case rescheduled:
			// Keep the duration when only the start moved.
			ev.EndTime = ev.EndTime.Add(after.StartTime.Sub(ev.StartTime))
		}
		if rescheduled {
			ev.FiredOffsets = timing.FiredAfterReschedule(ev.StartTime, offsets, now)
			ev.StartTime = after.StartTime.UTC()
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Removed concurrently, e.g. by a tick concluding it.
			return Ignored
		}
		r.logger.Error("Failed to apply event change", "eventID", change.ID, "error", err)
		return Unchanged
	}

	if rescheduled {
		r.logger.Info("Event rescheduled.",
			"eventID", updated.ID,
			"name", updated.Name,
			"from", current.StartTime,
			"to", updated.StartTime,
			"firedOffsets", updated.FiredList(),
		)
		return Rescheduled
	}

	r.logger.Info("Event details updated.", "eventID", updated.ID, "name", updated.Name)
	return Updated
}

func (r *Reconciler) remove(ev models.Event, reason string) Outcome {
	if !r.store.Remove(ev.ID) {
		return Ignored
	}
	r.logger.Info("Event removed from store.", "eventID", ev.ID, "name", ev.Name, "reason", reason)
	return Removed
}

func displayChanged(ev models.Event, after models.EventState) bool {
	return (after.Name != "" && after.Name != ev.Name) ||
		(after.Location != "" && after.Location != ev.Location) ||
		(after.Description != "" && after.Description != ev.Description) ||
		(!after.EndTime.IsZero() && !after.EndTime.Equal(ev.EndTime))
}
