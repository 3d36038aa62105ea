package google

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

// fakeAPI serves the token endpoint and the parts of Calendar v3 the adapter uses.
type fakeAPI struct {
	*httptest.Server

	mu            sync.Mutex
	validToken    string
	tokenSeq      int
	eventSeq      int
	events        map[string][]*calendar.Event
	clock         func() time.Time
	rejectRefresh bool
	always401     bool
	failSummary   string

	tokenCalls   int
	listCalls    int
	insertCalls  int
	updateCalls  int
	deleteCalls  int
	calListCalls int
}

func newFakeAPI(t *testing.T, clock func() time.Time) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		validToken: "at-0",
		events:     make(map[string][]*calendar.Event),
		clock:      clock,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/token" {
		f.serveToken(w, r)
		return
	}

	if f.always401 || r.Header.Get("Authorization") != "Bearer "+f.validToken {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error": map[string]interface{}{"code": 401, "message": "Invalid Credentials"},
		})
		return
	}

	switch {
	case r.URL.Path == "/users/me/calendarList" && r.Method == http.MethodGet:
		f.calListCalls++
		writeJSON(w, http.StatusOK, calendar.CalendarList{Items: []*calendar.CalendarListEntry{
			{Id: "primary", Summary: "Personal", Primary: true, TimeZone: "UTC"},
			{Id: "work", Summary: "Work", BackgroundColor: "#ff0000"},
		}})
	case strings.HasPrefix(r.URL.Path, "/calendars/") && strings.HasSuffix(r.URL.Path, "/events"):
		calID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/calendars/"), "/events")
		if r.Method == http.MethodPost {
			f.insert(w, r, calID)
			return
		}
		f.list(w, r, calID)
	case strings.HasPrefix(r.URL.Path, "/calendars/") && strings.Contains(r.URL.Path, "/events/"):
		rest := strings.TrimPrefix(r.URL.Path, "/calendars/")
		calID, eventID, _ := strings.Cut(rest, "/events/")
		switch r.Method {
		case http.MethodPut:
			f.update(w, r, calID, eventID)
		case http.MethodDelete:
			f.remove(w, calID, eventID)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) serveToken(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls++
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		f.issue(w, "rt-1")
	case "refresh_token":
		if f.rejectRefresh || r.PostForm.Get("refresh_token") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		f.issue(w, "")
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (f *fakeAPI) issue(w http.ResponseWriter, refresh string) {
	f.tokenSeq++
	f.validToken = fmt.Sprintf("at-%d", f.tokenSeq)
	body := map[string]interface{}{
		"access_token": f.validToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *fakeAPI) list(w http.ResponseWriter, r *http.Request, calID string) {
	f.listCalls++
	timeMin, _ := time.Parse(time.RFC3339, r.URL.Query().Get("timeMin"))
	timeMax, _ := time.Parse(time.RFC3339, r.URL.Query().Get("timeMax"))

	items := []*calendar.Event{}
	for _, ev := range f.events[calID] {
		start, _ := time.Parse(time.RFC3339, ev.Start.DateTime)
		end, _ := time.Parse(time.RFC3339, ev.End.DateTime)
		if end.After(timeMin) && start.Before(timeMax) {
			items = append(items, ev)
		}
	}
	writeJSON(w, http.StatusOK, calendar.Events{Items: items})
}

func (f *fakeAPI) insert(w http.ResponseWriter, r *http.Request, calID string) {
	f.insertCalls++
	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": map[string]interface{}{"code": 400, "message": err.Error()}})
		return
	}
	if f.failSummary != "" && ev.Summary == f.failSummary {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": map[string]interface{}{"code": 500, "message": "backend error"}})
		return
	}

	f.eventSeq++
	ev.Id = fmt.Sprintf("remote-%d", f.eventSeq)
	ev.Status = "confirmed"
	ev.Updated = f.clock().UTC().Format(time.RFC3339Nano)
	f.events[calID] = append(f.events[calID], &ev)
	writeJSON(w, http.StatusOK, &ev)
}

func (f *fakeAPI) find(calID, eventID string) (int, *calendar.Event) {
	for i, ev := range f.events[calID] {
		if ev.Id == eventID {
			return i, ev
		}
	}
	return -1, nil
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]interface{}{"code": 404, "message": "Not Found"}})
}

func (f *fakeAPI) update(w http.ResponseWriter, r *http.Request, calID, eventID string) {
	f.updateCalls++
	_, existing := f.find(calID, eventID)
	if existing == nil {
		notFound(w)
		return
	}
	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": map[string]interface{}{"code": 400, "message": err.Error()}})
		return
	}
	existing.Summary = ev.Summary
	existing.Description = ev.Description
	existing.Start = ev.Start
	existing.End = ev.End
	existing.ExtendedProperties = ev.ExtendedProperties
	existing.Updated = f.clock().UTC().Format(time.RFC3339Nano)
	writeJSON(w, http.StatusOK, existing)
}

func (f *fakeAPI) remove(w http.ResponseWriter, calID, eventID string) {
	f.deleteCalls++
	i, existing := f.find(calID, eventID)
	if existing == nil {
		notFound(w)
		return
	}
	f.events[calID] = append(f.events[calID][:i], f.events[calID][i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAPI) get(calID, eventID string) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ev := f.find(calID, eventID)
	return ev
}

// seed adds a remote event directly, as if created by another client.
func (f *fakeAPI) seed(calID, summary string, start time.Time, updated time.Time) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventSeq++
	ev := &calendar.Event{
		Id:      fmt.Sprintf("remote-%d", f.eventSeq),
		Status:  "confirmed",
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).UTC().Format(time.RFC3339)},
		Updated: updated.UTC().Format(time.RFC3339Nano),
	}
	f.events[calID] = append(f.events[calID], ev)
	return ev
}

func (f *fakeAPI) edit(ev *calendar.Event, summary string, updated time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.Summary = summary
	ev.Updated = updated.UTC().Format(time.RFC3339Nano)
}

func (f *fakeAPI) count(calID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[calID])
}

func (f *fakeAPI) token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validToken
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) stats() (tokens, lists, inserts, calLists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.listCalls, f.insertCalls, f.calListCalls
}
