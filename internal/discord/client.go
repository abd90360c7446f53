// Package discord talks to the Discord REST API: guild scheduled events and
// channel messages.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/oauth2"

	"eventbell/internal/models"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"

	privacyGuildOnly = 2
	entityExternal   = 3
)

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: %d %s", e.Status, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Client is a minimal Discord REST client bound to one guild.
type Client struct {
	logger   *slog.Logger
	http     *http.Client
	fetch    *http.Client
	baseURL  string
	guildID  string
	attempts uint
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithRetry sets how many times a retryable request is attempted and the initial backoff.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

// NewClient creates a Client authenticating with a bot token.
func NewClient(ctx context.Context, logger *slog.Logger, token, guildID string, opts ...Option) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bot"})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 30 * time.Second

	c := &Client{
		logger:   logger,
		http:     httpClient,
		fetch:    &http.Client{Timeout: 30 * time.Second},
		baseURL:  DefaultBaseURL,
		guildID:  guildID,
		attempts: 4,
		delay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type entityMetadata struct {
	Location string `json:"location,omitempty"`
}

// ScheduledEvent is the API representation of a guild scheduled event.
type ScheduledEvent struct {
	ID                 string          `json:"id"`
	GuildID            string          `json:"guild_id,omitempty"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	ScheduledStartTime time.Time       `json:"scheduled_start_time"`
	ScheduledEndTime   *time.Time      `json:"scheduled_end_time,omitempty"`
	PrivacyLevel       int             `json:"privacy_level,omitempty"`
	EntityType         int             `json:"entity_type,omitempty"`
	Status             int             `json:"status,omitempty"`
	EntityMetadata     *entityMetadata `json:"entity_metadata,omitempty"`
}

// Remote converts the API object to the engine's view of it.
func (e ScheduledEvent) Remote() models.RemoteEvent {
	r := models.RemoteEvent{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		StartTime:   e.ScheduledStartTime.UTC(),
		Status:      statusFromAPI(e.Status),
	}
	if e.ScheduledEndTime != nil {
		r.EndTime = e.ScheduledEndTime.UTC()
	}
	if e.EntityMetadata != nil {
		r.Location = e.EntityMetadata.Location
	}
	return r
}

// State projects the fields a change notification carries.
func (e ScheduledEvent) State() models.EventState {
	r := e.Remote()
	return models.EventState{
		Name:        r.Name,
		Location:    r.Location,
		Description: r.Description,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Status:      r.Status,
	}
}

func statusFromAPI(s int) models.Status {
	switch s {
	case 3:
		return models.StatusConcluded
	case 4:
		return models.StatusCanceled
	default: // 1 scheduled, 2 active
		return models.StatusScheduled
	}
}

// CreateEvent creates an external guild-only scheduled event and returns its id.
func (c *Client) CreateEvent(ctx context.Context, spec models.EventSpec) (string, error) {
	end := spec.EndTime.UTC()
	req := ScheduledEvent{
		Name:               spec.Name,
		Description:        spec.Description,
		ScheduledStartTime: spec.StartTime.UTC(),
		ScheduledEndTime:   &end,
		PrivacyLevel:       privacyGuildOnly,
		EntityType:         entityExternal,
		EntityMetadata:     &entityMetadata{Location: spec.Location},
	}

	var created ScheduledEvent
	// A 5xx or dropped connection may follow a successful create, so only rate
	// limits are retried here.
	if err := c.send(ctx, http.MethodPost, "/guilds/"+c.guildID+"/scheduled-events", req, &created, rateLimited); err != nil {
		return "", fmt.Errorf("failed to create scheduled event: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("failed to create scheduled event: response carried no id")
	}
	c.logger.Debug("Scheduled event created", "eventID", created.ID, "name", created.Name)
	return created.ID, nil
}

// ListEvents returns the guild's scheduled events.
func (c *Client) ListEvents(ctx context.Context) ([]models.RemoteEvent, error) {
	var events []ScheduledEvent
	if err := c.do(ctx, http.MethodGet, "/guilds/"+c.guildID+"/scheduled-events", nil, &events); err != nil {
		return nil, fmt.Errorf("failed to list scheduled events: %w", err)
	}
	out := make([]models.RemoteEvent, 0, len(events))
	for _, e := range events {
		out = append(out, e.Remote())
	}
	return out, nil
}

// do sends one JSON request, retrying rate limits, server errors and transport failures.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.send(ctx, method, path, in, out, transient)
}

func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// rateLimited matches only 429s, which Discord rejects before processing.
func rateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

func (c *Client) send(ctx context.Context, method, path string, in, out any, retryable func(error) bool) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return retry.Do(
		func() error {
			return c.once(ctx, method, path, payload, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(10*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && retryable(err)
		}),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				return apiErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, cfg)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying Discord request", "method", method, "path", path, "attempt", n+1, "error", err)
		}),
	)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "DiscordBot (eventbell, 1.0)")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func newAPIError(resp *http.Response, data []byte) *APIError {
	var body struct {
		Message    string  `json:"message"`
		RetryAfter float64 `json:"retry_after"`
	}
	_ = json.Unmarshal(data, &body)

	apiErr := &APIError{Status: resp.StatusCode, Message: body.Message}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if body.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
	} else if s, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && s > 0 {
		apiErr.RetryAfter = time.Duration(s * float64(time.Second))
	}
	return apiErr
}
