package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownStatus is returned for records that cannot be classified.
var ErrUnknownStatus = errors.New("unknown event status")

// ClassifiedChange is a record together with what happened to it.
type ClassifiedChange struct {
	Kind   ChangeKind
	Record *ChangeRecord
	// Degraded is set when a cancelled event could not be re-fetched and
	// Record carries identity fields only.
	Degraded bool
}

// ClassifyKind decides the kind of a record from its status and timestamps.
//
// The Calendar API does not tell a new event from a modified one. A confirmed
// event whose created and updated times match to the second is taken as new;
// an edit made within the creation second is therefore reported as Created.
func ClassifyKind(r *ChangeRecord) ChangeKind {
	if r == nil {
		return ChangeKindUnknown
	}
	switch r.Status {
	case StatusCancelled:
		return ChangeKindCancelled
	case StatusConfirmed:
		created, err := parseTimestamp(r.Created)
		if err != nil {
			return ChangeKindUnknown
		}
		updated, err := parseTimestamp(r.Updated)
		if err != nil {
			return ChangeKindUnknown
		}
		if created.Truncate(time.Second).Equal(updated.Truncate(time.Second)) {
			return ChangeKindCreated
		}
		return ChangeKindUpdated
	default:
		return ChangeKindUnknown
	}
}

// timestamps without a zone offset are read as UTC.
const localTimestampLayout = "2006-01-02T15:04:05.999999999"

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	if local, lerr := time.Parse(localTimestampLayout, s); lerr == nil {
		return local, nil
	}
	return time.Time{}, err
}

// Classifier classifies records, re-fetching cancelled events to recover
// the fields a cancellation entry omits.
type Classifier struct {
	client CalendarClient
}

func NewClassifier(client CalendarClient) *Classifier {
	return &Classifier{client: client}
}

// Classify returns an error wrapping ErrUnknownStatus for records that must be skipped.
// A failed re-fetch of a cancelled event is not an error; the change is returned degraded.
func (c *Classifier) Classify(ctx context.Context, calendarID string, r *ChangeRecord) (*ClassifiedChange, error) {
	kind := ClassifyKind(r)
	switch kind {
	case ChangeKindUnknown:
		if r == nil {
			return nil, fmt.Errorf("nil record: %w", ErrUnknownStatus)
		}
		return nil, fmt.Errorf("event_id=%s status=%q created=%q updated=%q: %w", r.ID, r.Status, r.Created, r.Updated, ErrUnknownStatus)
	case ChangeKindCancelled:
		return c.hydrate(ctx, calendarID, r), nil
	default:
		return &ClassifiedChange{Kind: kind, Record: r}, nil
	}
}

func (c *Classifier) hydrate(ctx context.Context, calendarID string, r *ChangeRecord) *ClassifiedChange {
	degraded := &ClassifiedChange{Kind: ChangeKindCancelled, Record: r, Degraded: true}
	if c.client == nil {
		return degraded
	}
	event, err := c.client.GetEvent(ctx, calendarID, r.ID)
	if err != nil {
		slog.WarnContext(ctx, "cancelled event lookup failed, notify with identity only", "calendar_id", calendarID, "event_id", r.ID, "error", err)
		return degraded
	}
	full := NewChangeRecord(event)
	if full == nil {
		return degraded
	}
	full.ID = r.ID
	full.Status = StatusCancelled
	return &ClassifiedChange{Kind: ChangeKindCancelled, Record: full}
}
