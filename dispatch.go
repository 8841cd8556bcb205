package gcalnotify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
)

const (
	dateLayout = "January 02, 2006"
	timeLayout = "3:04 PM"
	allDay     = "All day"
)

// BuildMessage renders a classified change for the route.
// Times are shown in the offset carried by the event itself.
func BuildMessage(change *ClassifiedChange, route *CalendarRoute) *gcalnotifyevent.Detail {
	r := change.Record
	title := derefString(r.Summary)
	if change.Degraded || title == "" {
		title = r.ID
	}
	msg := &gcalnotifyevent.Message{
		Content: change.Kind.Lead(),
		Title:   title,
		Fields:  make([]*gcalnotifyevent.Field, 0, 5),
	}
	if !change.Degraded {
		if link := derefString(r.HTMLLink); link != "" {
			msg.Description = fmt.Sprintf("[View on Google Calendar](%s)", link)
			msg.URL = link
		}
		msg.Fields = append(msg.Fields, timeFields(r.Start, r.End)...)
		if loc := derefString(r.Location); loc != "" {
			msg.Fields = append(msg.Fields, &gcalnotifyevent.Field{Name: "Location", Value: loc})
		}
		if desc := derefString(r.Description); desc != "" {
			msg.Fields = append(msg.Fields, &gcalnotifyevent.Field{Name: "Description", Value: desc})
		}
	}
	return &gcalnotifyevent.Detail{
		Kind:    change.Kind.String(),
		Subject: subject(change, route),
		Calendar: &gcalnotifyevent.Calendar{
			Key: route.Key,
			ID:  route.CalendarID,
		},
		Event:   ConvertEvent(r, change.Degraded),
		Message: msg,
	}
}

func subject(change *ClassifiedChange, route *CalendarRoute) string {
	verb := strings.ToLower(change.Kind.String())
	summary := derefString(change.Record.Summary)
	if change.Degraded || summary == "" {
		return fmt.Sprintf("Event %s %s on %s", change.Record.ID, verb, route.Key)
	}
	return fmt.Sprintf("Event %s (%s) %s on %s", summary, change.Record.ID, verb, route.Key)
}

func timeFields(start, end *EventTime) []*gcalnotifyevent.Field {
	if start == nil {
		return nil
	}
	if start.AllDay() {
		date := start.Date
		if d, err := time.Parse(time.DateOnly, start.Date); err == nil {
			date = d.Format(dateLayout)
		}
		return []*gcalnotifyevent.Field{
			{Name: "Date", Value: date},
			{Name: "Start Time", Value: allDay, Inline: true},
		}
	}
	fields := []*gcalnotifyevent.Field{
		{Name: "Date", Value: start.DateTime.Format(dateLayout)},
		{Name: "Start Time", Value: start.DateTime.Format(timeLayout), Inline: true},
	}
	if end != nil && !end.AllDay() {
		fields = append(fields, &gcalnotifyevent.Field{Name: "End Time", Value: end.DateTime.Format(timeLayout), Inline: true})
	}
	return fields
}

// DispatchResult counts the outcome of one batch.
type DispatchResult struct {
	Sent     int
	Filtered int
	Failed   int
}

// Dispatcher renders changes and hands them to a Notification one at a time.
type Dispatcher struct {
	notification Notification
}

func NewDispatcher(notification Notification) *Dispatcher {
	return &Dispatcher{notification: notification}
}

// Dispatch sends every change in order. A failed send is logged and counted;
// it never stops the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, route *CalendarRoute, changes []*ClassifiedChange) *DispatchResult {
	result := &DispatchResult{}
	for _, change := range changes {
		detail := BuildMessage(change, route)
		if route.Filter != nil {
			ok, err := route.Filter.Eval(detail)
			if err != nil {
				slog.ErrorContext(ctx, "filter evaluation failed", "calendar_key", route.Key, "event_id", change.Record.ID, "filter", route.Filter.Raw(), "error", err)
				result.Failed++
				continue
			}
			if !ok {
				slog.DebugContext(ctx, "filtered out", "calendar_key", route.Key, "event_id", change.Record.ID, "kind", detail.Kind)
				result.Filtered++
				continue
			}
		}
		if err := d.notification.Send(ctx, route, detail); err != nil {
			slog.ErrorContext(ctx, "notification failed", "calendar_key", route.Key, "event_id", change.Record.ID, "kind", detail.Kind, "error", err)
			result.Failed++
			continue
		}
		result.Sent++
	}
	return result
}
