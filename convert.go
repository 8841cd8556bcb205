package gcalnotify

import (
	"time"

	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"google.golang.org/api/calendar/v3"
)

// Event status values reported by the Calendar API.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// ChangeRecord is one changed event as reported by an incremental listing.
// Pointer fields are nil when the API did not send them; cancelled entries
// usually carry nothing but ID and Status.
type ChangeRecord struct {
	ID          string
	Status      string
	Created     string
	Updated     string
	Summary     *string
	HTMLLink    *string
	Start       *EventTime
	End         *EventTime
	Location    *string
	Description *string
}

// EventTime is the start or end of an event. All-day events have only Date.
type EventTime struct {
	DateTime time.Time
	Date     string
	raw      string
}

// AllDay reports whether the time is a whole-day date.
func (t *EventTime) AllDay() bool {
	return t.DateTime.IsZero() && t.Date != ""
}

// NewChangeRecord converts a Calendar API event.
func NewChangeRecord(e *calendar.Event) *ChangeRecord {
	if e == nil {
		return nil
	}
	return &ChangeRecord{
		ID:          e.Id,
		Status:      e.Status,
		Created:     e.Created,
		Updated:     e.Updated,
		Summary:     optionalString(e.Summary),
		HTMLLink:    optionalString(e.HtmlLink),
		Start:       convertEventDateTime(e.Start),
		End:         convertEventDateTime(e.End),
		Location:    optionalString(e.Location),
		Description: optionalString(e.Description),
	}
}

func convertEventDateTime(dt *calendar.EventDateTime) *EventTime {
	if dt == nil {
		return nil
	}
	if dt.DateTime != "" {
		t, err := parseTimestamp(dt.DateTime)
		if err != nil {
			return nil
		}
		return &EventTime{DateTime: t, raw: dt.DateTime}
	}
	if dt.Date != "" {
		return &EventTime{Date: dt.Date}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ConvertEvent converts a record to its payload representation.
func ConvertEvent(r *ChangeRecord, degraded bool) *gcalnotifyevent.CalendarEvent {
	if r == nil {
		return nil
	}
	return &gcalnotifyevent.CalendarEvent{
		ID:          r.ID,
		Status:      r.Status,
		Summary:     derefString(r.Summary),
		HTMLLink:    derefString(r.HTMLLink),
		Location:    derefString(r.Location),
		Description: derefString(r.Description),
		Created:     r.Created,
		Updated:     r.Updated,
		Start:       ConvertEventTime(r.Start),
		End:         ConvertEventTime(r.End),
		Degraded:    degraded,
	}
}

func ConvertEventTime(t *EventTime) *gcalnotifyevent.EventTime {
	if t == nil {
		return nil
	}
	if t.AllDay() {
		return &gcalnotifyevent.EventTime{Date: t.Date}
	}
	raw := t.raw
	if raw == "" {
		raw = t.DateTime.Format(time.RFC3339)
	}
	return &gcalnotifyevent.EventTime{DateTime: raw}
}
