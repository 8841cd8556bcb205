package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrCursorExpired is returned when the Calendar API rejects a sync token
// (HTTP 410 Gone). The caller must drop the token and list from scratch.
var ErrCursorExpired = errors.New("sync token is no longer valid")

// EventList is the result of walking every page of an events:list call.
type EventList struct {
	Items         []*calendar.Event
	NextSyncToken string
}

// CalendarClient is the subset of the Google Calendar API needed to follow a calendar.
type CalendarClient interface {
	// ListEvents lists the events of a calendar. An empty syncToken lists everything.
	ListEvents(ctx context.Context, calendarID string, syncToken string) (*EventList, error)
	// GetEvent fetches a single event, including cancelled ones.
	GetEvent(ctx context.Context, calendarID string, eventID string) (*calendar.Event, error)
}

// ChannelClient manages push notification channels.
type ChannelClient interface {
	Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error)
	Stop(ctx context.Context, channelID string, resourceID string) error
}

const (
	defaultPageSize     = 250
	defaultPageInterval = 200 * time.Millisecond
)

// GoogleCalendarClient implements CalendarClient and ChannelClient with google.golang.org/api/calendar/v3.
type GoogleCalendarClient struct {
	svc          *calendar.Service
	pageSize     int64
	pageInterval time.Duration
}

// NewGoogleCalendarClient creates a client. gcpOpts carry credentials and, in tests, the endpoint.
func NewGoogleCalendarClient(ctx context.Context, gcpOpts ...option.ClientOption) (*GoogleCalendarClient, error) {
	gcpOpts = append(gcpOpts, option.WithScopes(calendar.CalendarReadonlyScope))
	svc, err := calendar.NewService(ctx, gcpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Calendar Service: %w", err)
	}
	return &GoogleCalendarClient{
		svc:          svc,
		pageSize:     defaultPageSize,
		pageInterval: defaultPageInterval,
	}, nil
}

func (c *GoogleCalendarClient) ListEvents(ctx context.Context, calendarID string, syncToken string) (*EventList, error) {
	list := &EventList{
		Items: make([]*calendar.Event, 0, c.pageSize),
	}
	pageToken := ""
	for {
		call := c.svc.Events.List(calendarID).MaxResults(c.pageSize)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		slog.DebugContext(ctx, "try Calendar API events:list", "calendar_id", calendarID, "incremental", syncToken != "", "page_token", coalesce(pageToken, "-"))
		events, err := call.Context(ctx).Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
				slog.DebugContext(ctx, "sync token rejected", "calendar_id", calendarID, "error", err)
				return nil, fmt.Errorf("calendar API events:list: %w: %w", ErrCursorExpired, err)
			}
			slog.DebugContext(ctx, "failed Calendar API events:list", "calendar_id", calendarID, "error", err)
			return nil, fmt.Errorf("calendar API events:list: %w", err)
		}
		slog.DebugContext(ctx, "success Calendar API events:list", "calendar_id", calendarID, "items", len(events.Items))
		list.Items = append(list.Items, events.Items...)
		if events.NextPageToken == "" {
			list.NextSyncToken = events.NextSyncToken
			return list, nil
		}
		pageToken = events.NextPageToken
		if err := sleepContext(ctx, c.pageInterval); err != nil {
			return nil, err
		}
	}
}

func (c *GoogleCalendarClient) GetEvent(ctx context.Context, calendarID string, eventID string) (*calendar.Event, error) {
	event, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar API events:get: %w", err)
	}
	return event, nil
}

func (c *GoogleCalendarClient) Watch(ctx context.Context, calendarID string, ch *calendar.Channel) (*calendar.Channel, error) {
	resp, err := c.svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar API events:watch: %w", err)
	}
	return resp, nil
}

func (c *GoogleCalendarClient) Stop(ctx context.Context, channelID string, resourceID string) error {
	err := c.svc.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			slog.WarnContext(ctx, "channel is already stopped", "channel_id", channelID, "resource_id", resourceID)
			return nil
		}
		return fmt.Errorf("calendar API channels:stop: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
