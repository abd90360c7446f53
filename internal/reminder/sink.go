package reminder

import (
	"context"
	"log/slog"

	"eventbell/internal/models"
)

// LogSink logs reminders instead of delivering them. Used for dry runs.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Send(_ context.Context, channelID string, r models.Reminder) error {
	l.Logger.Info("[DRY RUN] Would send reminder",
		"channel", channelID,
		"eventID", r.EventID,
		"name", r.Name,
		"hoursUntilStart", r.HoursUntilStart,
		"location", r.Location,
		"image", r.ImageURL != "",
	)
	return nil
}
