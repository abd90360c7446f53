// Package caldav mirrors the live event records into a CalDAV calendar so members
// can subscribe to them from any calendar app.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"eventbell/internal/models"
)

const queueSize = 64

// customTransport adds Basic Auth and a user agent to each request.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "eventbell/1.0")
	return t.Transport.RoundTrip(req)
}

type objectStore interface {
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

type op struct {
	remove bool
	event  models.Event
}

// Mirror writes store changes to a calendar collection. It implements
// store.Observer; writes happen on the Run goroutine so the store never waits
// on the network.
type Mirror struct {
	logger       *slog.Logger
	client       objectStore
	calendarPath string
	queue        chan op
}

// NewMirror connects to the CalDAV server at endpoint and locates calendarName.
func NewMirror(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*Mirror, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &customTransport{
			Username:  username,
			Password:  password,
			Transport: http.DefaultTransport,
		},
	}

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	logger.Info("Finding CalDAV calendar", "calendarName", calendarName)
	calendarPath, err := findCalendar(ctx, client, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return newMirror(logger, client, calendarPath), nil
}

func newMirror(logger *slog.Logger, client objectStore, calendarPath string) *Mirror {
	return &Mirror{
		logger:       logger,
		client:       client,
		calendarPath: calendarPath,
		queue:        make(chan op, queueSize),
	}
}

// Upserted queues a write of ev.
func (m *Mirror) Upserted(ev models.Event) {
	m.enqueue(op{event: ev})
}

// Removed queues a delete of ev.
func (m *Mirror) Removed(ev models.Event) {
	m.enqueue(op{remove: true, event: ev})
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.queue <- o:
	default:
		m.logger.Warn("Calendar mirror queue full, dropping update", "eventID", o.event.ID, "remove", o.remove)
	}
}

// Run applies queued writes until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case o := <-m.queue:
			m.apply(ctx, o)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) apply(ctx context.Context, o op) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	p := m.objectPath(o.event.ID)
	if o.remove {
		if err := m.client.RemoveAll(ctx, p); err != nil {
			m.logger.Error("Failed to remove event from calendar", "eventID", o.event.ID, "error", err)
			return
		}
		m.logger.Debug("Removed event from calendar", "eventID", o.event.ID)
		return
	}

	if _, err := m.client.PutCalendarObject(ctx, p, toCalendar(o.event, time.Now().UTC())); err != nil {
		m.logger.Error("Failed to write event to calendar", "eventID", o.event.ID, "error", err)
		return
	}
	m.logger.Debug("Wrote event to calendar", "eventID", o.event.ID, "name", o.event.Name)
}

func (m *Mirror) objectPath(eventID string) string {
	return path.Join(m.calendarPath, eventID+".ics")
}

func uid(eventID string) string {
	return eventID + "@eventbell"
}

// toCalendar converts a record to a single-event iCalendar object.
func toCalendar(ev models.Event, stamp time.Time) *ical.Calendar {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid(ev.ID))
	ve.Props.SetText(ical.PropSummary, ev.Name)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ve.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())

	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.ImageURL != "" {
		p := ical.NewProp(ical.PropAttach)
		p.SetValueType(ical.ValueURI)
		p.Value = ev.ImageURL
		ve.Props.Set(p)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//eventbell//EN")
	cal.Children = append(cal.Children, ve)
	return cal
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func findCalendar(ctx context.Context, client *caldav.Client, name string) (string, error) {
	principalPath, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if strings.EqualFold(cal.Name, name) {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
