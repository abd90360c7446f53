// Package feed consumes scheduled-event change notifications from a Redis channel.
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"eventbell/internal/discord"
	"eventbell/internal/lifecycle"
	"eventbell/internal/models"
)

// Applier folds a change into the engine's state.
type Applier interface {
	ApplyChange(change models.Change) lifecycle.Outcome
}

// Subscriber delivers every message published on one channel to an Applier.
// Messages are applied one at a time in publish order.
type Subscriber struct {
	logger  *slog.Logger
	client  *redis.Client
	channel string
	applier Applier
}

// NewSubscriber creates a new Subscriber.
func NewSubscriber(logger *slog.Logger, client *redis.Client, channel string, applier Applier) *Subscriber {
	return &Subscriber{logger: logger, client: client, channel: channel, applier: applier}
}

// Run subscribes and blocks until ctx is done or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so a bad address fails fast.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("Listening for event changes", "channel", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", s.channel)
			}
			s.handle(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscriber) handle(msg *redis.Message) {
	change, err := discord.DecodeChange([]byte(msg.Payload))
	if err != nil {
		s.logger.Error("Dropping malformed change notification", "channel", msg.Channel, "error", err)
		return
	}
	outcome := s.applier.ApplyChange(change)
	s.logger.Debug("Change notification applied", "eventID", change.ID, "outcome", outcome.String())
}
