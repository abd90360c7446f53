package discord

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"eventbell/internal/models"
)

const (
	reminderColor = 0x00ff00
	maxImageBytes = 10 << 20
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
}

type messageRequest struct {
	Embeds []embed `json:"embeds"`
}

func reminderEmbed(r models.Reminder) embed {
	e := embed{
		Title:       "⏰ Reminder: " + r.Name,
		Description: "Event is coming soon!",
		Color:       reminderColor,
		Fields: []embedField{
			{Name: "Starts in", Value: fmt.Sprintf("%d hours", r.HoursUntilStart)},
			{Name: "Location", Value: r.Location},
			{Name: "Description", Value: r.Description},
		},
	}
	if r.ImageURL != "" {
		e.Image = &embedImage{URL: r.ImageURL}
	}
	return e
}

// Send posts a reminder embed to channelID.
func (c *Client) Send(ctx context.Context, channelID string, r models.Reminder) error {
	msg := messageRequest{Embeds: []embed{reminderEmbed(r)}}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", msg, nil); err != nil {
		return fmt.Errorf("failed to send reminder for %s: %w", r.EventID, err)
	}
	return nil
}

// PatchEventImage downloads imageURL and sets it as the scheduled event's cover.
func (c *Client) PatchEventImage(ctx context.Context, eventID, imageURL string) error {
	dataURI, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return err
	}

	body := map[string]string{"image": dataURI}
	if err := c.do(ctx, http.MethodPatch, "/guilds/"+c.guildID+"/scheduled-events/"+eventID, body, nil); err != nil {
		return fmt.Errorf("failed to update cover image: %w", err)
	}
	c.logger.Info("Cover image updated.", "eventID", eventID)
	return nil
}

// fetchImage returns the image at imageURL as a base64 data URI. The bot token is
// never sent to the image host.
func (c *Client) fetchImage(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := c.fetch.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch image: HTTP status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	contentType := "image/png"
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		contentType = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
