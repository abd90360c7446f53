package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"eventbell/internal/auth"
	"eventbell/internal/lifecycle"
	"eventbell/internal/models"
	"eventbell/internal/policy"
	"eventbell/internal/reminder"
	"eventbell/internal/store"
	"eventbell/internal/upload"
)

// InputLayout is the date format accepted from requesters, in the configured zone.
const InputLayout = "2006-01-02 15:04"

const (
	maxNameLen         = 100
	maxDescriptionLen  = 500
	defaultDescription = "No description provided."
)

var (
	ErrUnauthorized = errors.New("you don't have permission to do that")
	ErrValidation   = errors.New("validation failed")
	ErrExternal     = errors.New("event service rejected the request")
)

// EventCreator creates the event in the event-hosting service and returns its id.
type EventCreator interface {
	CreateEvent(ctx context.Context, spec models.EventSpec) (string, error)
}

// CreateRequest holds the raw fields collected from a requester.
type CreateRequest struct {
	Name        string `json:"name"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// Created is the result of a successful creation.
type Created struct {
	Event models.Event
	// Token must be presented with the cover image upload. It is single use.
	Token string
}

// Deps wires the engine's collaborators.
type Deps struct {
	Store      *store.Store
	Scheduler  *reminder.Scheduler
	Reconciler *lifecycle.Reconciler
	Correlator *upload.Correlator
	Creator    EventCreator
	Authorizer *auth.Authorizer
	Location   *time.Location
	Now        func() time.Time
}

// Engine is the entry point used by the command surface and the change feeds.
type Engine struct {
	logger     *slog.Logger
	store      *store.Store
	scheduler  *reminder.Scheduler
	reconciler *lifecycle.Reconciler
	correlator *upload.Correlator
	creator    EventCreator
	authorizer *auth.Authorizer
	loc        *time.Location
	now        func() time.Time
	newToken   func() string
}

// New creates a new Engine.
func New(logger *slog.Logger, d Deps) *Engine {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:     logger,
		store:      d.Store,
		scheduler:  d.Scheduler,
		reconciler: d.Reconciler,
		correlator: d.Correlator,
		creator:    d.Creator,
		authorizer: d.Authorizer,
		loc:        loc,
		now:        now,
		newToken:   uuid.NewString,
	}
}

// CreateEvent validates the request, creates the hosted event and starts tracking it.
func (e *Engine) CreateEvent(ctx context.Context, requester auth.Identity, req CreateRequest) (Created, error) {
	if !e.authorizer.Allowed(requester) {
		e.logger.Warn("Unauthorized event creation attempt", "subject", requester.Subject)
		return Created{}, ErrUnauthorized
	}

	spec, err := e.validate(req)
	if err != nil {
		e.logger.Info("Event creation rejected", "subject", requester.Subject, "error", err)
		return Created{}, err
	}

	id, err := e.creator.CreateEvent(ctx, spec)
	if err != nil {
		e.logger.Error("Failed to create event", "name", spec.Name, "error", err)
		return Created{}, fmt.Errorf("%w: %w", ErrExternal, err)
	}

	ev := models.Event{
		ID:          id,
		Name:        spec.Name,
		Location:    spec.Location,
		Description: spec.Description,
		StartTime:   spec.StartTime,
		EndTime:     spec.EndTime,
		CreatedAt:   e.now().UTC(),
	}

	for attempt := 0; attempt < 3; attempt++ {
		ev.CorrelationToken = e.newToken()
		err = e.store.Put(ev)
		if !errors.Is(err, store.ErrTokenInUse) {
			break
		}
	}
	if err != nil {
		return Created{}, fmt.Errorf("failed to track created event %s: %w", id, err)
	}

	e.logger.Info("Event created.", "eventID", id, "name", spec.Name, "start", spec.StartTime, "subject", requester.Subject)
	stored, _ := e.store.Get(id)
	return Created{Event: stored, Token: ev.CorrelationToken}, nil
}

func (e *Engine) validate(req CreateRequest) (models.EventSpec, error) {
	name := strings.TrimSpace(req.Name)
	location := strings.TrimSpace(req.Location)
	description := strings.TrimSpace(req.Description)

	switch {
	case name == "":
		return models.EventSpec{}, fmt.Errorf("%w: name is required", ErrValidation)
	case utf8.RuneCountInString(name) > maxNameLen:
		return models.EventSpec{}, fmt.Errorf("%w: name is too long (%d characters tops)", ErrValidation, maxNameLen)
	case location == "":
		return models.EventSpec{}, fmt.Errorf("%w: location is required", ErrValidation)
	case utf8.RuneCountInString(description) > maxDescriptionLen:
		return models.EventSpec{}, fmt.Errorf("%w: description is too long (%d characters tops)", ErrValidation, maxDescriptionLen)
	}
	if description == "" {
		description = defaultDescription
	}

	start, err := time.ParseInLocation(InputLayout, strings.TrimSpace(req.Start), e.loc)
	if err != nil {
		return models.EventSpec{}, fmt.Errorf("%w: invalid start time format, use 'YYYY-MM-DD HH:MM'", ErrValidation)
	}
	end, err := time.ParseInLocation(InputLayout, strings.TrimSpace(req.End), e.loc)
	if err != nil {
		return models.EventSpec{}, fmt.Errorf("%w: invalid end time format, use 'YYYY-MM-DD HH:MM'", ErrValidation)
	}
	if !start.After(e.now()) {
		return models.EventSpec{}, fmt.Errorf("%w: start time cannot be in the past", ErrValidation)
	}
	if !end.After(start) {
		return models.EventSpec{}, fmt.Errorf("%w: end time must be after start time", ErrValidation)
	}

	return models.EventSpec{
		Name:        name,
		Location:    location,
		Description: description,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
	}, nil
}

// UpdatePolicy replaces the notification policy. Only authorized requesters may do this.
func (e *Engine) UpdatePolicy(requester auth.Identity, offsets []int, intervalMinutes int) (policy.Policy, error) {
	if !e.authorizer.Allowed(requester) {
		e.logger.Warn("Unauthorized policy update attempt", "subject", requester.Subject)
		return policy.Policy{}, ErrUnauthorized
	}

	p, err := policy.New(offsets, time.Duration(intervalMinutes)*time.Minute)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	e.scheduler.SetPolicy(p)
	e.logger.Info("Notification policy updated.", "policy", p.String(), "subject", requester.Subject)
	return p, nil
}

// AttachImage binds an uploaded image to the event that issued token.
func (e *Engine) AttachImage(ctx context.Context, token, imageURL string) (models.Event, error) {
	return e.correlator.Attach(ctx, token, imageURL)
}

// ReplaceImage swaps the cover image of a live event by id. Only authorized
// requesters may do this.
func (e *Engine) ReplaceImage(ctx context.Context, requester auth.Identity, eventID, imageURL string) (models.Event, error) {
	if !e.authorizer.Allowed(requester) {
		e.logger.Warn("Unauthorized image replace attempt", "subject", requester.Subject, "eventID", eventID)
		return models.Event{}, ErrUnauthorized
	}
	return e.correlator.Replace(ctx, eventID, imageURL)
}

// ApplyChange folds an external change notification into the store.
func (e *Engine) ApplyChange(change models.Change) lifecycle.Outcome {
	return e.reconciler.Apply(change, e.now())
}

// LiveEvents returns the records currently tracked.
func (e *Engine) LiveEvents() []models.Event {
	return e.store.ListLive()
}

// Policy returns the notification policy in effect.
func (e *Engine) Policy() policy.Policy {
	return e.scheduler.Policy()
}

// Tick runs one reconciliation pass immediately.
func (e *Engine) Tick(ctx context.Context) reminder.Report {
	return e.scheduler.Tick(ctx, e.now())
}
