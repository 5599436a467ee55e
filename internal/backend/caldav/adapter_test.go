package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"calmend/internal/backend"
	"calmend/internal/model"
)

// fakeServer is a minimal CalDAV collection: GET/PUT on objects with etag
// checking, plus REPORT and PROPFIND on the collection.
type fakeServer struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	etagSeq int

	syncToken   string
	failReports bool
}

type fakeObject struct {
	data string
	etag string
}

func newFakeServer() *fakeServer {
	return &fakeServer{objects: make(map[string]fakeObject), syncToken: "sync-1"}
}

func (s *fakeServer) put(href, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etagSeq++
	etag := fmt.Sprintf("etag-%d", s.etagSeq)
	s.objects[href] = fakeObject{data: data, etag: etag}
	return etag
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		obj, ok := s.objects[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Etag", `"`+obj.etag+`"`)
		w.Header().Set("Content-Type", "text/calendar")
		io.WriteString(w, obj.data)

	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		obj, exists := s.objects[r.URL.Path]
		if m := r.Header.Get("If-Match"); m != "" && (!exists || m != `"`+obj.etag+`"`) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		s.etagSeq++
		etag := fmt.Sprintf("etag-%d", s.etagSeq)
		s.objects[r.URL.Path] = fakeObject{data: string(body), etag: etag}
		w.Header().Set("Etag", `"`+etag+`"`)
		w.WriteHeader(http.StatusNoContent)

	case "REPORT":
		body, _ := io.ReadAll(r.Body)
		if s.failReports {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
		for href, obj := range s.objects {
			fmt.Fprintf(w, `<d:response><d:href>%s</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop><d:getetag>"%s"</d:getetag><c:calendar-data>%s</c:calendar-data></d:prop></d:propstat></d:response>`,
				href, obj.etag, xmlEscape(obj.data))
		}
		if strings.Contains(string(body), "sync-collection") {
			fmt.Fprintf(w, `<d:sync-token>%s</d:sync-token>`, s.syncToken)
		}
		io.WriteString(w, `</d:multistatus>`)

	case "PROPFIND":
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:"><d:response><d:href>%s</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop><d:sync-token>%s</d:sync-token></d:prop></d:propstat></d:response></d:multistatus>`,
			r.URL.Path, s.syncToken)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

func testAdapter(t *testing.T, srv *fakeServer) *Adapter {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	a, err := New(Options{
		Endpoint:       ts.URL,
		Username:       "user",
		Password:       "pass",
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func calRef() model.CalendarRef {
	return model.CalendarRef{ID: "/cal/", Alias: "family", URL: "/cal/"}
}

func TestListEventsWindowReturnsToken(t *testing.T) {
	srv := newFakeServer()
	srv.put("/cal/uid-1.ics", crlf(seriesDoc))
	a := testAdapter(t, srv)

	page, err := a.ListEvents(context.Background(), calRef(), backend.ListOptions{
		Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("got %d events, want master plus override", len(page.Events))
	}
	if page.SyncToken != "sync-1" {
		t.Errorf("window fetch did not pick up collection token: %q", page.SyncToken)
	}
}

func TestListEventsDelta(t *testing.T) {
	srv := newFakeServer()
	srv.put("/cal/uid-1.ics", crlf(seriesDoc))
	srv.syncToken = "sync-2"
	a := testAdapter(t, srv)

	page, err := a.ListEvents(context.Background(), calRef(), backend.ListOptions{SyncToken: "sync-1"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if page.SyncToken != "sync-2" {
		t.Errorf("reissued token = %q, want sync-2", page.SyncToken)
	}
	if len(page.Events) == 0 {
		t.Error("delta fetch returned no events")
	}
}

func TestListEventsDeltaCursorExpired(t *testing.T) {
	srv := newFakeServer()
	srv.failReports = true
	a := testAdapter(t, srv)

	_, err := a.ListEvents(context.Background(), calRef(), backend.ListOptions{SyncToken: "stale"})
	if !errors.Is(err, backend.ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}
}

func TestGetEventOverrideAddressing(t *testing.T) {
	srv := newFakeServer()
	srv.put("/cal/uid-1.ics", crlf(seriesDoc))
	a := testAdapter(t, srv)

	ev, err := a.GetEvent(context.Background(), calRef(), "/cal/uid-1.ics#20250115")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Summary != "moved instance" || ev.RecurrenceID != "20250115" {
		t.Errorf("wrong component: %+v", ev)
	}

	if _, err := a.GetEvent(context.Background(), calRef(), "/cal/missing.ics"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("missing object err = %v, want ErrNotFound", err)
	}
}

func TestPatchEventConditional(t *testing.T) {
	srv := newFakeServer()
	etag := srv.put("/cal/uid-1.ics", crlf(seriesDoc))
	a := testAdapter(t, srv)
	ctx := context.Background()

	summary := "🎉 Birthday: John Doe (15.01)"
	cleaned := model.Markers{Cleaned: true, RuleID: "birthday", Signature: "sig"}
	newETag, err := a.PatchEvent(ctx, calRef(), "/cal/uid-1.ics", backend.EventPatch{
		Summary: &summary,
		Markers: &cleaned,
	}, etag)
	if err != nil {
		t.Fatalf("PatchEvent: %v", err)
	}
	if newETag == "" || newETag == etag {
		t.Errorf("etag not advanced: %q", newETag)
	}

	ev, err := a.GetEvent(ctx, calRef(), "/cal/uid-1.ics")
	if err != nil {
		t.Fatalf("GetEvent after patch: %v", err)
	}
	if ev.Summary != summary {
		t.Errorf("summary = %q", ev.Summary)
	}
	if !ev.Markers.Cleaned || ev.Markers.RuleID != "birthday" {
		t.Errorf("markers not persisted: %+v", ev.Markers)
	}
	// The override component must survive a master rewrite untouched.
	override, err := a.GetEvent(ctx, calRef(), "/cal/uid-1.ics#20250115")
	if err != nil {
		t.Fatalf("override after patch: %v", err)
	}
	if override.Summary != "moved instance" {
		t.Errorf("override summary = %q", override.Summary)
	}

	// Writing with the stale token must surface a conflict.
	if _, err := a.PatchEvent(ctx, calRef(), "/cal/uid-1.ics", backend.EventPatch{Summary: &summary}, etag); !errors.Is(err, backend.ErrConflict) {
		t.Errorf("stale write err = %v, want ErrConflict", err)
	}
}

func TestCreateEventGuardsAgainstExisting(t *testing.T) {
	srv := newFakeServer()
	a := testAdapter(t, srv)
	ctx := context.Background()

	ev := &model.Event{
		UID:     "warn-1",
		Summary: "🎁 John Doe birthday in 7 days",
		Start:   time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
		AllDay:  true,
	}
	id, err := a.CreateEvent(ctx, calRef(), ev)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if id != "/cal/warn-1.ics" {
		t.Errorf("id = %q", id)
	}

	if _, err := a.CreateEvent(ctx, calRef(), ev); !errors.Is(err, backend.ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}
}

func TestCreateOverrideAppendsException(t *testing.T) {
	srv := newFakeServer()
	srv.put("/cal/uid-1.ics", crlf(seriesDoc))
	a := testAdapter(t, srv)
	ctx := context.Background()

	summary := "single changed year"
	id, err := a.CreateOverride(ctx, calRef(), "/cal/uid-1.ics", "20260115", backend.EventPatch{Summary: &summary})
	if err != nil {
		t.Fatalf("CreateOverride: %v", err)
	}
	if id != "/cal/uid-1.ics#20260115" {
		t.Errorf("id = %q", id)
	}

	ev, err := a.GetEvent(ctx, calRef(), id)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Summary != summary || ev.RRule != "" {
		t.Errorf("override shape: %+v", ev)
	}
	if want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC); !ev.Start.Equal(want) {
		t.Errorf("override start = %v, want %v", ev.Start, want)
	}

	if _, err := a.CreateOverride(ctx, calRef(), "/cal/uid-1.ics", "20260115", backend.EventPatch{}); !errors.Is(err, backend.ErrConflict) {
		t.Errorf("duplicate override err = %v, want ErrConflict", err)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, backend.ErrNotFound},
		{http.StatusPreconditionFailed, backend.ErrConflict},
		{http.StatusForbidden, backend.ErrForbidden},
	}
	for _, tc := range cases {
		if err := statusError("op", tc.code); !errors.Is(err, tc.want) {
			t.Errorf("statusError(%d) = %v, want %v", tc.code, err, tc.want)
		}
	}
	if err := statusError("op", http.StatusBadGateway); !backend.IsTransient(err) {
		t.Error("5xx not classified transient")
	}
	var authErr *backend.AuthError
	if err := statusError("op", http.StatusUnauthorized); !errors.As(err, &authErr) {
		t.Error("401 not classified as auth failure")
	}
	if err := statusError("op", http.StatusNoContent); err != nil {
		t.Errorf("2xx mapped to error: %v", err)
	}
}
