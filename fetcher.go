package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ChangeFetcher turns sync tokens into event deltas.
type ChangeFetcher struct {
	client CalendarClient
}

func NewChangeFetcher(client CalendarClient) *ChangeFetcher {
	return &ChangeFetcher{client: client}
}

// Handshake lists the whole calendar without a sync token and returns only the
// fresh token. The listed items are discarded.
func (f *ChangeFetcher) Handshake(ctx context.Context, calendarID string) (string, error) {
	list, err := f.client.ListEvents(ctx, calendarID, "")
	if err != nil {
		return "", err
	}
	if list.NextSyncToken == "" {
		return "", fmt.Errorf("calendar API events:list returned no sync token for calendar_id=%s", calendarID)
	}
	slog.DebugContext(ctx, "handshake listed", "calendar_id", calendarID, "discarded_items", len(list.Items))
	return list.NextSyncToken, nil
}

// Delta lists the events changed since cursor, in the order the API returned them,
// together with the token that covers them. It wraps ErrCursorExpired when the API
// rejects cursor.
func (f *ChangeFetcher) Delta(ctx context.Context, calendarID string, cursor string) ([]*ChangeRecord, string, error) {
	if cursor == "" {
		return nil, "", errors.New("delta requires a sync token")
	}
	list, err := f.client.ListEvents(ctx, calendarID, cursor)
	if err != nil {
		return nil, "", err
	}
	if list.NextSyncToken == "" {
		return nil, "", fmt.Errorf("calendar API events:list returned no sync token for calendar_id=%s", calendarID)
	}
	records := make([]*ChangeRecord, 0, len(list.Items))
	for _, item := range list.Items {
		if item == nil {
			continue
		}
		records = append(records, NewChangeRecord(item))
	}
	return records, list.NextSyncToken, nil
}
