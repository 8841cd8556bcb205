package gcalnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
)

// NotificationOption contains configuration for message delivery.
//
// Supported notification types:
//   - "discord": Posts an embed to the route's Discord webhook (default)
//   - "eventbridge": Sends events to Amazon EventBridge
//   - "file": Writes events to a local JSON file (suitable for development)
type NotificationOption struct {
	Type       string        `help:"notification type" default:"discord" enum:"discord,eventbridge,file" env:"GCALNOTIFY_NOTIFICATION_TYPE"`
	EventBus   string        `help:"event bus name (eventbridge type only)" default:"default" env:"GCALNOTIFY_EVENTBRIDGE_EVENT_BUS"`
	EventFile  string        `help:"event file path (file type only)" default:"gcalnotify.json" env:"GCALNOTIFY_EVENT_FILE"`
	WebhookURL string        `help:"fallback discord webhook url for calendars without webhook_url (discord type only)" env:"GCALNOTIFY_DISCORD_WEBHOOK_URL"`
	Timeout    time.Duration `help:"timeout of one delivery" default:"10s" env:"GCALNOTIFY_NOTIFICATION_TIMEOUT"`
}

// Notification delivers one rendered change to the route's destination.
type Notification interface {
	Send(ctx context.Context, route *CalendarRoute, detail *gcalnotifyevent.Detail) error
}

// NewNotification creates a Notification implementation based on the configuration type.
func NewNotification(ctx context.Context, cfg NotificationOption) (Notification, error) {
	switch cfg.Type {
	case "discord":
		return NewDiscordNotification(ctx, cfg)
	case "eventbridge":
		return NewEventBridgeNotification(ctx, cfg)
	case "file":
		return NewFileNotification(ctx, cfg)
	}
	return nil, errors.New("unknown notification type")
}

const (
	discordEmbedColor  = 242424
	discordAuthorName  = "Google Calendar"
	discordAuthorIcon  = "https://uxwing.com/wp-content/themes/uxwing/download/brands-and-social-media/google-calendar-icon.png"
	discordContentMark = "!"
)

// DiscordNotification posts each message as a single embed to a Discord webhook.
type DiscordNotification struct {
	client     *http.Client
	webhookURL string
}

func NewDiscordNotification(_ context.Context, cfg NotificationOption) (*DiscordNotification, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DiscordNotification{
		client:     &http.Client{Timeout: timeout},
		webhookURL: cfg.WebhookURL,
	}, nil
}

type discordPayload struct {
	Content string          `json:"content"`
	Embeds  []*discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	URL         string               `json:"url,omitempty"`
	Color       int                  `json:"color"`
	Author      *discordEmbedAuthor  `json:"author"`
	Fields      []*discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func newDiscordPayload(msg *gcalnotifyevent.Message) *discordPayload {
	return &discordPayload{
		Content: msg.Content + discordContentMark,
		Embeds: []*discordEmbed{
			{
				Title:       msg.Title,
				Description: msg.Description,
				URL:         msg.URL,
				Color:       discordEmbedColor,
				Author: &discordEmbedAuthor{
					Name:    discordAuthorName,
					IconURL: discordAuthorIcon,
				},
				Fields: Map(msg.Fields, func(f *gcalnotifyevent.Field) *discordEmbedField {
					return &discordEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline}
				}),
			},
		},
	}
}

func (n *DiscordNotification) Send(ctx context.Context, route *CalendarRoute, detail *gcalnotifyevent.Detail) error {
	webhookURL := coalesce(route.WebhookURL, n.webhookURL)
	if webhookURL == "" {
		return fmt.Errorf("calendar_key=%s: discord webhook url is not configured", route.Key)
	}
	if detail.Message == nil {
		return fmt.Errorf("calendar_key=%s: detail has no message", route.Key)
	}
	bs, err := json.Marshal(newDiscordPayload(detail.Message))
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(bs))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post discord webhook: HTTP %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	slog.InfoContext(ctx, "posted discord message", "calendar_key", route.Key, "subject", detail.Subject)
	return nil
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotification implements Notification using Amazon EventBridge.
//
// Each change is sent as a separate event with source "oss.gcalnotify/<calendar key>"
// and a detail-type naming the kind (e.g., "Calendar Event Created").
type EventBridgeNotification struct {
	client   EventBridgeClient
	eventBus string
}

func NewEventBridgeNotification(ctx context.Context, cfg NotificationOption) (*EventBridgeNotification, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewEventBridgeNotificationWithClient(eventbridge.NewFromConfig(awsCfg), cfg.EventBus), nil
}

func NewEventBridgeNotificationWithClient(client EventBridgeClient, eventBus string) *EventBridgeNotification {
	return &EventBridgeNotification{
		client:   client,
		eventBus: eventBus,
	}
}

func (n *EventBridgeNotification) Send(ctx context.Context, route *CalendarRoute, detail *gcalnotifyevent.Detail) error {
	bs, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	source := fmt.Sprintf("oss.gcalnotify/%s", route.Key)
	detailType := ParseChangeKind(detail.Kind).DetailType()
	slog.DebugContext(ctx, "event", "source", source, "detail-type", detailType, "detail", string(bs))
	output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{
			{
				EventBusName: aws.String(n.eventBus),
				Resources:    []string{},
				Source:       aws.String(source),
				DetailType:   aws.String(detailType),
				Time:         aws.Time(flextime.Now()),
				Detail:       aws.String(string(bs)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("PutEvents: %w", err)
	}
	for _, entry := range output.Entries {
		if entry.ErrorCode != nil {
			return fmt.Errorf("put events failed error_code=%s, error_message=%s", aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
		}
		if entry.EventId != nil {
			slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *entry.EventId)
		}
	}
	return nil
}

// FileNotification implements Notification by writing events to a local JSON file.
//
// Events are appended to the file as newline-delimited JSON (NDJSON format).
type FileNotification struct {
	eventFile string
	mu        sync.Mutex
}

func NewFileNotification(_ context.Context, cfg NotificationOption) (*FileNotification, error) {
	return &FileNotification{
		eventFile: cfg.EventFile,
	}, nil
}

func (n *FileNotification) Send(ctx context.Context, route *CalendarRoute, detail *gcalnotifyevent.Detail) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		slog.DebugContext(ctx, "can not create notification event file", "event_file", n.eventFile, "error", err)
		return err
	}
	defer fp.Close()
	slog.DebugContext(ctx, "output change event", "event_file", n.eventFile, "calendar_key", route.Key, "kind", detail.Kind)
	return json.NewEncoder(fp).Encode(detail)
}
