package discord

import (
	"encoding/json"
	"errors"
	"fmt"

	"eventbell/internal/models"
)

// Gateway dispatch names relayed to the change webhook and feed.
const (
	EventUpdate = "GUILD_SCHEDULED_EVENT_UPDATE"
	EventDelete = "GUILD_SCHEDULED_EVENT_DELETE"
)

// ChangeNotification is a relayed scheduled-event update or delete.
type ChangeNotification struct {
	Type   string          `json:"type,omitempty"`
	Before *ScheduledEvent `json:"before,omitempty"`
	After  ScheduledEvent  `json:"after"`
}

// DecodeChange parses a relayed notification. A delete is reported as a cancel.
func DecodeChange(data []byte) (models.Change, error) {
	var n ChangeNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return models.Change{}, fmt.Errorf("failed to decode change notification: %w", err)
	}
	if n.After.ID == "" {
		return models.Change{}, errors.New("change notification carries no event id")
	}

	change := models.Change{ID: n.After.ID, After: n.After.State()}
	if n.Before != nil {
		change.Before = n.Before.State()
	}
	if n.Type == EventDelete {
		change.After.Status = models.StatusCanceled
	}
	return change, nil
}
