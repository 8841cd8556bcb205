// Package gcalnotifyevent provides types for gcalnotify notification payloads.
// These types can be used in Lambda functions to unmarshal gcalnotify EventBridge events.
//
//	func handler(ctx context.Context, event gcalnotifyevent.Event) error {
//	    fmt.Println(event.DetailType)
//	    fmt.Println(event.Detail.Message.Title)
//	}
package gcalnotifyevent

import "time"

// Event represents the full EventBridge event from gcalnotify.
type Event struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the event detail payload.
type Detail struct {
	Kind     string         `json:"kind"`
	Subject  string         `json:"subject"`
	Calendar *Calendar      `json:"calendar"`
	Event    *CalendarEvent `json:"event"`
	Message  *Message       `json:"message"`
}

// Calendar identifies the route the change was observed on.
type Calendar struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// CalendarEvent is the changed calendar event as far as it is known.
// Degraded is set for cancelled events that could not be re-fetched; they
// carry only ID and Status.
type CalendarEvent struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Location    string     `json:"location,omitempty"`
	Description string     `json:"description,omitempty"`
	Created     string     `json:"created,omitempty"`
	Updated     string     `json:"updated,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
}

// EventTime is either a timed instant (DateTime) or an all-day date (Date).
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Message is the chat-ready rendering of a change.
type Message struct {
	Content     string   `json:"content"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Fields      []*Field `json:"fields"`
}

// Field is a named value shown in the message body.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
