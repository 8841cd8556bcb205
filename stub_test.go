package gcalnotify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
)

// stubHandler emulates the parts of the Calendar API v3 used by gcalnotify.
// Every Put or Cancel appends to a per-calendar change log; sync tokens are
// offsets into that log.
type stubHandler struct {
	mu        sync.RWMutex
	t         *testing.T
	router    *mux.Router
	pageSize  int
	calendars map[string]*stubCalendar
	channels  map[string]calendar.Channel
	stopped   []string
	listCalls int
}

type stubCalendar struct {
	log        []*calendar.Event
	full       map[string]*calendar.Event
	generation int
	failList   bool
	failGet    map[string]bool
}

func NewStub(t *testing.T) (*httptest.Server, *stubHandler) {
	t.Helper()
	stub := &stubHandler{
		t:         t,
		router:    mux.NewRouter(),
		pageSize:  2,
		calendars: make(map[string]*stubCalendar),
		channels:  make(map[string]calendar.Channel),
	}
	stub.setupRoute()
	return httptest.NewServer(stub), stub
}

func (h *stubHandler) setupRoute() {
	h.router.HandleFunc("/calendars/{calendarId}/events/watch", h.handleWatch).Methods(http.MethodPost)
	h.router.HandleFunc("/calendars/{calendarId}/events/{eventId}", h.handleGet).Methods(http.MethodGet)
	h.router.HandleFunc("/calendars/{calendarId}/events", h.handleList).Methods(http.MethodGet)
	h.router.HandleFunc("/channels/stop", h.handleStop).Methods(http.MethodPost)
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *stubHandler) calendarLocked(calendarID string) *stubCalendar {
	c, ok := h.calendars[calendarID]
	if !ok {
		c = &stubCalendar{
			full:    make(map[string]*calendar.Event),
			failGet: make(map[string]bool),
		}
		h.calendars[calendarID] = c
	}
	return c
}

// Put records a created or modified event.
func (h *stubHandler) Put(calendarID string, event *calendar.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.calendarLocked(calendarID)
	copied := *event
	c.full[event.Id] = &copied
	c.log = append(c.log, &copied)
}

// Cancel records a cancellation. Listings only carry the id and status of
// the event; events:get still returns the whole event.
func (h *stubHandler) Cancel(calendarID string, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.calendarLocked(calendarID)
	if full, ok := c.full[eventID]; ok {
		cancelled := *full
		cancelled.Status = StatusCancelled
		c.full[eventID] = &cancelled
	}
	c.log = append(c.log, &calendar.Event{Id: eventID, Status: StatusCancelled})
}

// ExpireTokens makes every sync token issued so far answer 410 Gone.
func (h *stubHandler) ExpireTokens(calendarID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calendarLocked(calendarID).generation++
}

func (h *stubHandler) FailList(calendarID string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calendarLocked(calendarID).failList = fail
}

func (h *stubHandler) FailGet(calendarID string, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calendarLocked(calendarID).failGet[eventID] = true
}

func (h *stubHandler) ListCalls() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listCalls
}

func (h *stubHandler) Stopped() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.stopped...)
}

func syncToken(generation int, offset int) string {
	return fmt.Sprintf("tok-%d-%d", generation, offset)
}

func writeAPIError(w http.ResponseWriter, code int, reason string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"errors": []map[string]string{
				{"domain": "calendar", "reason": reason, "message": message},
			},
		},
	})
}

func (h *stubHandler) handleList(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listCalls++
	c := h.calendarLocked(mux.Vars(r)["calendarId"])
	if c.failList {
		writeAPIError(w, http.StatusForbidden, "forbidden", "injected failure")
		return
	}
	query := r.URL.Query()
	var items []*calendar.Event
	if token := query.Get("syncToken"); token != "" {
		var generation, offset int
		if _, err := fmt.Sscanf(token, "tok-%d-%d", &generation, &offset); err != nil || offset > len(c.log) {
			writeAPIError(w, http.StatusBadRequest, "invalid", "invalid sync token")
			return
		}
		if generation != c.generation {
			writeAPIError(w, http.StatusGone, "fullSyncRequired", "Sync token is no longer valid, a full sync is required.")
			return
		}
		items = c.log[offset:]
	} else {
		seen := make(map[string]bool)
		for _, e := range c.log {
			if seen[e.Id] {
				continue
			}
			seen[e.Id] = true
			if full := c.full[e.Id]; full != nil && full.Status != StatusCancelled {
				items = append(items, full)
			}
		}
	}
	start := 0
	if pageToken := query.Get("pageToken"); pageToken != "" {
		var err error
		start, err = strconv.Atoi(strings.TrimPrefix(pageToken, "page-"))
		require.NoError(h.t, err)
	}
	end := min(start+h.pageSize, len(items))
	resp := calendar.Events{
		Items: items[start:end],
	}
	if end < len(items) {
		resp.NextPageToken = fmt.Sprintf("page-%d", end)
	} else {
		resp.NextSyncToken = syncToken(c.generation, len(c.log))
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(h.t, json.NewEncoder(w).Encode(resp))
}

func (h *stubHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	vars := mux.Vars(r)
	c, ok := h.calendars[vars["calendarId"]]
	if !ok || c.failGet[vars["eventId"]] {
		writeAPIError(w, http.StatusNotFound, "notFound", "Not Found")
		return
	}
	event, ok := c.full[vars["eventId"]]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "notFound", "Not Found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(h.t, json.NewEncoder(w).Encode(event))
}

func (h *stubHandler) handleWatch(w http.ResponseWriter, r *http.Request) {
	var ch calendar.Channel
	require.NoError(h.t, json.NewDecoder(r.Body).Decode(&ch))
	h.mu.Lock()
	defer h.mu.Unlock()
	ch.ResourceId = "res-" + mux.Vars(r)["calendarId"]
	ch.Kind = "api#channel"
	h.channels[ch.Id] = ch
	w.Header().Set("Content-Type", "application/json")
	require.NoError(h.t, json.NewEncoder(w).Encode(ch))
}

func (h *stubHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	var ch calendar.Channel
	require.NoError(h.t, json.NewDecoder(r.Body).Decode(&ch))
	h.mu.Lock()
	defer h.mu.Unlock()
	stored, ok := h.channels[ch.Id]
	if !ok || stored.ResourceId != ch.ResourceId {
		writeAPIError(w, http.StatusNotFound, "notFound", "Channel not found")
		return
	}
	delete(h.channels, ch.Id)
	h.stopped = append(h.stopped, ch.Id)
	w.WriteHeader(http.StatusNoContent)
}
