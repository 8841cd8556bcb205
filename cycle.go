package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Songmu/flextime"
)

type CycleMode string

const (
	// CycleModeHandshake lists the calendar from scratch and stores the first cursor.
	CycleModeHandshake CycleMode = "handshake"
	// CycleModeDelta fetches and notifies the changes since the stored cursor.
	CycleModeDelta CycleMode = "delta"
	// CycleModeResync replaces a cursor the API no longer accepts. Nothing is notified.
	CycleModeResync CycleMode = "resync"
	// CycleModeDropped means another cycle advanced the cursor first; its batch was discarded.
	CycleModeDropped CycleMode = "dropped"
)

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	CalendarKey string
	Mode        CycleMode
	Items       int
	Sent        int
	Filtered    int
	Failed      int
	Skipped     int
}

func (r *CycleResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("calendar_key", r.CalendarKey),
		slog.String("mode", string(r.Mode)),
		slog.Int("items", r.Items),
		slog.Int("sent", r.Sent),
		slog.Int("filtered", r.Filtered),
		slog.Int("failed", r.Failed),
		slog.Int("skipped", r.Skipped),
	)
}

// HandleNotification runs the cycle a push notification asks for.
// It returns *RouteNotFound when the notification belongs to no configured calendar.
// An error means the cursor could not be fetched or stored; notification
// failures are only counted in the result.
func (app *App) HandleNotification(ctx context.Context, n *PushNotification) (*CycleResult, error) {
	route, err := app.routes.Lookup(n.ResourceID, n.ChannelToken)
	if err != nil {
		return nil, err
	}
	if n.IsSync() {
		return app.Handshake(ctx, route)
	}
	return app.SyncCalendar(ctx, route)
}

// Handshake stores a fresh cursor for the route without notifying anything.
func (app *App) Handshake(ctx context.Context, route *CalendarRoute) (*CycleResult, error) {
	ctx, unlock, err := app.lockCycle(ctx, route)
	if err != nil {
		return nil, err
	}
	defer unlock()
	current, err := app.findCursor(ctx, route)
	if err != nil {
		return nil, err
	}
	result, err := app.handshake(ctx, route, current, CycleModeHandshake)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "cycle finished", "result", result)
	return result, nil
}

// SyncCalendar fetches the changes since the stored cursor, stores the next
// cursor and then notifies each change. Without a stored cursor it performs a
// handshake instead.
func (app *App) SyncCalendar(ctx context.Context, route *CalendarRoute) (*CycleResult, error) {
	ctx, unlock, err := app.lockCycle(ctx, route)
	if err != nil {
		return nil, err
	}
	defer unlock()
	result, err := app.delta(ctx, route)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "cycle finished", "result", result)
	return result, nil
}

func (app *App) lockCycle(ctx context.Context, route *CalendarRoute) (context.Context, func(), error) {
	cancel := func() {}
	if app.cycleTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, app.cycleTimeout)
	}
	unlock, err := app.locker.Lock(ctx, route.Key)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("wait for cycle lock of calendar_key=%s: %w", route.Key, err)
	}
	return ctx, func() {
		unlock()
		cancel()
	}, nil
}

// findCursor returns a zero-version item when nothing is stored yet.
func (app *App) findCursor(ctx context.Context, route *CalendarRoute) (*CursorItem, error) {
	item, err := app.storage.FindCursor(ctx, route.Key)
	if err == nil {
		return item, nil
	}
	var notFound *CursorNotFound
	if errors.As(err, &notFound) {
		return &CursorItem{CalendarKey: route.Key, CalendarID: route.CalendarID}, nil
	}
	return nil, fmt.Errorf("find cursor: %w", err)
}

func (app *App) handshake(ctx context.Context, route *CalendarRoute, current *CursorItem, mode CycleMode) (*CycleResult, error) {
	result := &CycleResult{CalendarKey: route.Key, Mode: mode}
	token, err := app.fetcher.Handshake(ctx, route.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	next := current.Next(token, flextime.Now())
	next.CalendarID = route.CalendarID
	if err := app.storage.SaveCursor(ctx, next); err != nil {
		var conflict *CursorConflict
		if errors.As(err, &conflict) {
			slog.InfoContext(ctx, "cursor already refreshed by another cycle", "calendar_key", route.Key, "version", next.Version)
			return result, nil
		}
		return nil, fmt.Errorf("save cursor: %w", err)
	}
	return result, nil
}

func (app *App) delta(ctx context.Context, route *CalendarRoute) (*CycleResult, error) {
	current, err := app.findCursor(ctx, route)
	if err != nil {
		return nil, err
	}
	if current.Version == 0 || current.Cursor == "" {
		slog.InfoContext(ctx, "no cursor stored, run handshake", "calendar_key", route.Key)
		return app.handshake(ctx, route, current, CycleModeHandshake)
	}
	if current.CalendarID != route.CalendarID {
		slog.WarnContext(ctx, "stored cursor belongs to another calendar, run resync", "calendar_key", route.Key, "stored_calendar_id", current.CalendarID, "calendar_id", route.CalendarID)
		return app.handshake(ctx, route, current, CycleModeResync)
	}
	records, nextCursor, err := app.fetcher.Delta(ctx, route.CalendarID, current.Cursor)
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			slog.WarnContext(ctx, "cursor expired, run resync", "calendar_key", route.Key, "error", err)
			return app.handshake(ctx, route, current, CycleModeResync)
		}
		return nil, fmt.Errorf("delta: %w", err)
	}
	result := &CycleResult{CalendarKey: route.Key, Mode: CycleModeDelta, Items: len(records)}
	if err := app.storage.SaveCursor(ctx, current.Next(nextCursor, flextime.Now())); err != nil {
		var conflict *CursorConflict
		if errors.As(err, &conflict) {
			slog.WarnContext(ctx, "cursor advanced by another cycle, drop batch", "calendar_key", route.Key, "items", len(records))
			result.Mode = CycleModeDropped
			return result, nil
		}
		return nil, fmt.Errorf("save cursor: %w", err)
	}
	changes := make([]*ClassifiedChange, 0, len(records))
	for _, r := range records {
		change, err := app.classifier.Classify(ctx, route.CalendarID, r)
		if err != nil {
			slog.WarnContext(ctx, "skip change", "calendar_key", route.Key, "error", err)
			result.Skipped++
			continue
		}
		changes = append(changes, change)
	}
	dispatched := app.dispatcher.Dispatch(ctx, route, changes)
	result.Sent = dispatched.Sent
	result.Filtered = dispatched.Filtered
	result.Failed = dispatched.Failed
	return result, nil
}
