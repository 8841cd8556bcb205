package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/Songmu/flextime"
	"github.com/fujiwara/ridge"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// AppOption contains the options shared by every command.
type AppOption struct {
	Calendars    string        `help:"calendars config path or URL (file://, http(s)://, s3://)" default:"calendars.yaml" env:"GCALNOTIFY_CALENDARS"`
	Webhook      string        `help:"webhook address registered by watch" default:"" env:"GCALNOTIFY_WEBHOOK"`
	Expiration   time.Duration `help:"push channel expiration" default:"168h" env:"GCALNOTIFY_EXPIRATION"`
	CycleTimeout time.Duration `help:"timeout of one sync cycle" default:"1m" env:"GCALNOTIFY_CYCLE_TIMEOUT"`
}

// App follows the configured calendars and turns push notifications into chat messages.
type App struct {
	router       *mux.Router
	storage      Storage
	notification Notification
	routes       *CalendarsConfig
	calendar     *GoogleCalendarClient
	fetcher      *ChangeFetcher
	classifier   *Classifier
	dispatcher   *Dispatcher
	locker       *keyLocker
	cleanupFns   []func() error

	webhookAddress string
	expiration     time.Duration
	cycleTimeout   time.Duration
}

// New creates an App. gcpOpts are passed to the Google Calendar client.
func New(opt AppOption, storage Storage, notification Notification, routes *CalendarsConfig, gcpOpts ...option.ClientOption) (*App, error) {
	if routes == nil {
		return nil, errors.New("calendars config is required")
	}
	client, err := NewGoogleCalendarClient(context.Background(), gcpOpts...)
	if err != nil {
		return nil, err
	}
	app := &App{
		router:         mux.NewRouter(),
		storage:        storage,
		notification:   notification,
		routes:         routes,
		calendar:       client,
		fetcher:        NewChangeFetcher(client),
		classifier:     NewClassifier(client),
		dispatcher:     NewDispatcher(notification),
		locker:         newKeyLocker(),
		webhookAddress: opt.Webhook,
		expiration:     opt.Expiration,
		cycleTimeout:   opt.CycleTimeout,
	}
	if closer, ok := storage.(io.Closer); ok {
		app.cleanupFns = append(app.cleanupFns, closer.Close)
	}
	if closer, ok := notification.(io.Closer); ok {
		app.cleanupFns = append(app.cleanupFns, closer.Close)
	}
	app.setupRoute()
	return app, nil
}

func (app *App) Close() error {
	eg, ctx := errgroup.WithContext(context.Background())
	for i, cleanup := range app.cleanupFns {
		eg.Go(func() error {
			slog.DebugContext(ctx, "start cleanup", "index", i)
			if err := cleanup(); err != nil {
				slog.DebugContext(ctx, "error cleanup", "index", i, "error", err)
				return err
			}
			slog.DebugContext(ctx, "end cleanup", "index", i)
			return nil
		})
	}
	return eg.Wait()
}

// Serve runs the webhook server, locally or on AWS Lambda.
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	addr := fmt.Sprintf(":%d", opt.Port)
	slog.InfoContext(ctx, "serve webhook", "address", addr, "calendars", len(app.routes.Calendars))
	ridge.RunWithContext(ctx, addr, "/", app)
	return nil
}

// List prints the stored cursors.
func (app *App) List(ctx context.Context, opt ListOption) error {
	itemsCh, err := app.storage.FindAllCursors(ctx)
	if err != nil {
		return fmt.Errorf("find all cursors: %w", err)
	}
	w := opt.Output
	if w == nil {
		w = os.Stdout
	}
	table := tablewriter.NewWriter(w)
	table.Header("Calendar Key", "Calendar ID", "Version", "Cursor", "Updated At")
	for items := range itemsCh {
		for _, item := range items {
			if err := table.Append([]string{
				item.CalendarKey,
				item.CalendarID,
				strconv.FormatInt(item.Version, 10),
				item.Cursor,
				item.UpdatedAt.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

// Sync runs a change cycle for every configured calendar, or for one when opt.Calendar is set.
func (app *App) Sync(ctx context.Context, opt SyncOption) error {
	routes, err := app.selectRoutes(opt.Calendar)
	if err != nil {
		return err
	}
	// One calendar's failure does not cancel the others.
	var eg errgroup.Group
	for _, route := range routes {
		eg.Go(func() error {
			if _, err := app.SyncCalendar(ctx, route); err != nil {
				return fmt.Errorf("calendar_key=%s: %w", route.Key, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Watch registers a push channel for every configured calendar, or for one when opt.Calendar is set.
func (app *App) Watch(ctx context.Context, opt WatchOption) error {
	if app.webhookAddress == "" {
		return errors.New("webhook address is required; set --webhook")
	}
	routes, err := app.selectRoutes(opt.Calendar)
	if err != nil {
		return err
	}
	w := opt.Output
	if w == nil {
		w = os.Stdout
	}
	table := tablewriter.NewWriter(w)
	table.Header("Calendar Key", "Channel ID", "Resource ID", "Expiration")
	for _, route := range routes {
		ch, err := app.WatchCalendar(ctx, route)
		if err != nil {
			return fmt.Errorf("calendar_key=%s: %w", route.Key, err)
		}
		if err := table.Append([]string{
			route.Key,
			ch.Id,
			ch.ResourceId,
			time.UnixMilli(ch.Expiration).Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// WatchCalendar opens a push channel whose token is the route key.
func (app *App) WatchCalendar(ctx context.Context, route *CalendarRoute) (*calendar.Channel, error) {
	req := &calendar.Channel{
		Id:      uuid.New().String(),
		Type:    "web_hook",
		Address: app.webhookAddress,
		Token:   route.Key,
	}
	if app.expiration > 0 {
		req.Expiration = flextime.Now().Add(app.expiration).UnixMilli()
	}
	slog.DebugContext(ctx, "try Calendar API events:watch", "calendar_key", route.Key, "calendar_id", route.CalendarID, "channel_id", req.Id)
	ch, err := app.calendar.Watch(ctx, route.CalendarID, req)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "watch channel created", "calendar_key", route.Key, "channel_id", ch.Id, "resource_id", ch.ResourceId, "expiration", time.UnixMilli(ch.Expiration).Format(time.RFC3339))
	return ch, nil
}

// Unwatch stops a push channel.
func (app *App) Unwatch(ctx context.Context, opt UnwatchOption) error {
	if err := app.calendar.Stop(ctx, opt.ChannelID, opt.ResourceID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "channel stopped", "channel_id", opt.ChannelID, "resource_id", opt.ResourceID)
	return nil
}

func (app *App) selectRoutes(key string) ([]*CalendarRoute, error) {
	if key == "" {
		return app.routes.Calendars, nil
	}
	routes := Filter(app.routes.Calendars, func(route *CalendarRoute) bool {
		return route.Key == key
	})
	if len(routes) == 0 {
		return nil, fmt.Errorf("calendar %q is not configured", key)
	}
	return routes, nil
}
