package gcalnotify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mashiike/gcalnotify"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

func TestClassifyKind(t *testing.T) {
	cases := []struct {
		name     string
		record   *gcalnotify.ChangeRecord
		expected gcalnotify.ChangeKind
	}{
		{
			name:     "nil",
			record:   nil,
			expected: gcalnotify.ChangeKindUnknown,
		},
		{
			name:     "created",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00.000Z", Updated: "2024-01-01T10:00:00.000Z"},
			expected: gcalnotify.ChangeKindCreated,
		},
		{
			name:     "edited within the creation second",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00.100Z", Updated: "2024-01-01T10:00:00.999Z"},
			expected: gcalnotify.ChangeKindCreated,
		},
		{
			name:     "updated",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00.999Z", Updated: "2024-01-01T10:00:01.000Z"},
			expected: gcalnotify.ChangeKindUpdated,
		},
		{
			name:     "same instant in another offset",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00Z", Updated: "2024-01-01T19:00:00+09:00"},
			expected: gcalnotify.ChangeKindCreated,
		},
		{
			name:     "created without offset",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00", Updated: "2024-01-01T10:00:00"},
			expected: gcalnotify.ChangeKindCreated,
		},
		{
			name:     "updated without offset",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00", Updated: "2024-01-01T10:05:00"},
			expected: gcalnotify.ChangeKindUpdated,
		},
		{
			name:     "without offset is read as utc",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "2024-01-01T10:00:00.250", Updated: "2024-01-01T10:00:00Z"},
			expected: gcalnotify.ChangeKindCreated,
		},
		{
			name:     "cancelled",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "cancelled"},
			expected: gcalnotify.ChangeKindCancelled,
		},
		{
			name:     "tentative",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "tentative", Created: "2024-01-01T10:00:00.000Z", Updated: "2024-01-01T10:00:00.000Z"},
			expected: gcalnotify.ChangeKindUnknown,
		},
		{
			name:     "broken timestamp",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed", Created: "yesterday", Updated: "2024-01-01T10:00:00.000Z"},
			expected: gcalnotify.ChangeKindUnknown,
		},
		{
			name:     "missing timestamp",
			record:   &gcalnotify.ChangeRecord{ID: "evt", Status: "confirmed"},
			expected: gcalnotify.ChangeKindUnknown,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			actual := gcalnotify.ClassifyKind(c.record)
			require.Equal(t, c.expected, actual)
			require.Equal(t, actual, gcalnotify.ClassifyKind(c.record), "classification is stable")
		})
	}
}

type fakeCalendarClient struct {
	events map[string]*calendar.Event
	gets   int
}

func (f *fakeCalendarClient) ListEvents(context.Context, string, string) (*gcalnotify.EventList, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCalendarClient) GetEvent(_ context.Context, _ string, eventID string) (*calendar.Event, error) {
	f.gets++
	if e, ok := f.events[eventID]; ok {
		return e, nil
	}
	return nil, errors.New("calendar API events:get: googleapi: Error 404: Not Found")
}

func TestClassifierClassify(t *testing.T) {
	ctx := context.Background()
	client := &fakeCalendarClient{
		events: map[string]*calendar.Event{
			"evt002": {
				Id:       "evt002",
				Status:   "cancelled",
				Summary:  "Retro",
				HtmlLink: "https://www.google.com/calendar/event?eid=evt002",
				Start:    &calendar.EventDateTime{Date: "2024-01-03"},
				End:      &calendar.EventDateTime{Date: "2024-01-04"},
			},
		},
	}
	classifier := gcalnotify.NewClassifier(client)

	created := &gcalnotify.ChangeRecord{ID: "evt001", Status: "confirmed", Created: "2024-01-01T10:00:00Z", Updated: "2024-01-01T10:00:00Z"}
	change, err := classifier.Classify(ctx, "team-calendar", created)
	require.NoError(t, err)
	require.Equal(t, gcalnotify.ChangeKindCreated, change.Kind)
	require.Same(t, created, change.Record)
	require.Zero(t, client.gets, "only cancellations are re-fetched")

	change, err = classifier.Classify(ctx, "team-calendar", &gcalnotify.ChangeRecord{ID: "evt002", Status: "cancelled"})
	require.NoError(t, err)
	require.Equal(t, gcalnotify.ChangeKindCancelled, change.Kind)
	require.False(t, change.Degraded)
	require.Equal(t, "Retro", *change.Record.Summary)
	require.True(t, change.Record.Start.AllDay())

	change, err = classifier.Classify(ctx, "team-calendar", &gcalnotify.ChangeRecord{ID: "evt003", Status: "cancelled"})
	require.NoError(t, err, "a failed lookup still yields a cancellation")
	require.Equal(t, gcalnotify.ChangeKindCancelled, change.Kind)
	require.True(t, change.Degraded)
	require.Equal(t, "evt003", change.Record.ID)
	require.Nil(t, change.Record.Summary)

	_, err = classifier.Classify(ctx, "team-calendar", &gcalnotify.ChangeRecord{ID: "evt004", Status: "tentative"})
	require.ErrorIs(t, err, gcalnotify.ErrUnknownStatus)
}

func TestNewChangeRecord(t *testing.T) {
	require.Nil(t, gcalnotify.NewChangeRecord(nil))
	r := gcalnotify.NewChangeRecord(&calendar.Event{
		Id:      "evt001",
		Status:  "confirmed",
		Summary: "Weekly sync",
		Start:   &calendar.EventDateTime{DateTime: "2024-01-02T09:00:00+09:00"},
		End:     &calendar.EventDateTime{DateTime: "broken"},
	})
	require.Equal(t, "Weekly sync", *r.Summary)
	require.Nil(t, r.HTMLLink)
	require.Nil(t, r.Location)
	require.False(t, r.Start.AllDay())
	_, offset := r.Start.DateTime.Zone()
	require.Equal(t, 9*60*60, offset)
	require.Nil(t, r.End)
}
