package gcalnotify

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
)

const (
	syncReceived     = "Sync event received"
	requestFulfilled = "Request fulfilled."
)

// PushNotification is an inbound Calendar API push notification.
type PushNotification struct {
	ChannelID     string
	ChannelToken  string
	ResourceID    string
	ResourceState string
	MessageNumber int64
	Expiration    string
}

// IsSync reports whether this is the handshake sent when a channel is opened.
func (n *PushNotification) IsSync() bool {
	return n.ResourceState == "sync"
}

// ParsePushNotification reads the X-Goog-* headers of r.
func ParsePushNotification(r *http.Request) *PushNotification {
	n := &PushNotification{
		ChannelID:     r.Header.Get("X-Goog-Channel-Id"),
		ChannelToken:  r.Header.Get("X-Goog-Channel-Token"),
		ResourceID:    r.Header.Get("X-Goog-Resource-Id"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		Expiration:    r.Header.Get("X-Goog-Channel-Expiration"),
	}
	if v := r.Header.Get("X-Goog-Message-Number"); v != "" {
		if num, err := strconv.ParseInt(v, 10, 64); err == nil {
			n.MessageNumber = num
		}
	}
	return n
}

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	})
	sub := app.router.NewRoute().Subrouter()
	sub.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.Header.Get("User-Agent"), "APIs-Google;") {
				slog.WarnContext(r.Context(), "Unexpected user-agent, returning 404", "user_agent", url.QueryEscape(coalesce(r.Header.Get("User-Agent"), "-")))
				writeText(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	sub.HandleFunc("/", app.handleWebhook).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

func (app *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()
	n := ParsePushNotification(r)
	slog.InfoContext(ctx, "Received webhook request",
		"channel_id", coalesce(n.ChannelID, "-"),
		"resource_id", coalesce(n.ResourceID, "-"),
		"resource_state", coalesce(n.ResourceState, "-"),
		"message_number", n.MessageNumber,
		"forwarded_for", coalesce(r.Header.Get("X-Forwarded-For"), "-"),
		"channel_expiration", coalesce(n.Expiration, "-"),
	)
	if d, err := httputil.DumpRequest(r, true); err == nil {
		slog.DebugContext(ctx, "Received request dump", "request", string(d))
	}
	ack := requestFulfilled
	if n.IsSync() {
		ack = syncReceived
	}
	if _, err := app.HandleNotification(ctx, n); err != nil {
		var notFound *RouteNotFound
		if errors.As(err, &notFound) {
			slog.WarnContext(ctx, "No calendar for notification, dropped", "channel_id", coalesce(n.ChannelID, "-"), "resource_id", coalesce(n.ResourceID, "-"))
			writeText(w, http.StatusOK, ack)
			return
		}
		slog.ErrorContext(ctx, "Failed to run cycle", "channel_id", coalesce(n.ChannelID, "-"), "resource_id", coalesce(n.ResourceID, "-"), "error", err)
		writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeText(w, http.StatusOK, ack)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
