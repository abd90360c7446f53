package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"eventbell/internal/models"
	"eventbell/internal/store"
)

var ErrInvalidURL = errors.New("image URL must be an absolute http(s) URL")

// ImagePatcher pushes a cover image onto the hosted event.
type ImagePatcher interface {
	PatchEventImage(ctx context.Context, eventID, imageURL string) error
}

// Correlator binds an asynchronously uploaded image to the creation request that
// issued the correlation token.
type Correlator struct {
	logger  *slog.Logger
	store   *store.Store
	patcher ImagePatcher
}

// NewCorrelator creates a new Correlator. patcher may be nil, in which case the
// image is only recorded locally.
func NewCorrelator(logger *slog.Logger, st *store.Store, patcher ImagePatcher) *Correlator {
	return &Correlator{logger: logger, store: st, patcher: patcher}
}

// Attach sets imageURL on the record holding token and consumes the token. If the
// hosted event cannot take the image, the record is left without one.
func (c *Correlator) Attach(ctx context.Context, token, imageURL string) (models.Event, error) {
	if err := validateURL(imageURL); err != nil {
		return models.Event{}, err
	}

	ev, err := c.store.AttachByToken(token, imageURL)
	if err != nil {
		c.logger.Warn("Rejected image upload", "error", err)
		return models.Event{}, err
	}
	c.logger.Info("Image attached to event.", "eventID", ev.ID, "name", ev.Name)

	return c.push(ctx, ev), nil
}

// Replace swaps the image of the record with the given id. It is refused once a
// reminder has been sent with an image.
func (c *Correlator) Replace(ctx context.Context, eventID, imageURL string) (models.Event, error) {
	if err := validateURL(imageURL); err != nil {
		return models.Event{}, err
	}
	if err := c.store.SetImage(eventID, imageURL); err != nil {
		return models.Event{}, err
	}
	ev, ok := c.store.Get(eventID)
	if !ok {
		return models.Event{}, store.ErrNotFound
	}
	c.logger.Info("Image replaced on event.", "eventID", ev.ID, "name", ev.Name)

	return c.push(ctx, ev), nil
}

// push sends ev's image to the hosted event and drops it from the record when
// that fails, so reminders never carry an image the service could not fetch.
func (c *Correlator) push(ctx context.Context, ev models.Event) models.Event {
	if c.patcher == nil {
		return ev
	}
	if err := c.patcher.PatchEventImage(ctx, ev.ID, ev.ImageURL); err != nil {
		c.logger.Error("Failed to update hosted event cover image, dropping image", "eventID", ev.ID, "error", err)
		if c.store.ClearImage(ev.ID, ev.ImageURL) {
			ev.ImageURL = ""
		}
	}
	return ev
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}
