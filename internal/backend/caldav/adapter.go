// Package caldav implements the backend adapter contract against any RFC
// 4791 CalDAV server, with RFC 6578 sync-collection delta fetches and
// conditional If-Match writes.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"calmend/internal/backend"
	"calmend/internal/model"
)

const backendName = "caldav"

// Options configures the adapter.
type Options struct {
	// Endpoint is the server base URL, e.g. https://caldav.example.com/.
	Endpoint string

	// AuthMode is "none", "basic", or "digest". Empty with credentials
	// set means basic.
	AuthMode string
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Timezone interprets floating and all-day values. Defaults to UTC.
	Timezone string

	// IncludeVTimezone embeds a VTIMEZONE definition in freshly created
	// documents with timed events.
	IncludeVTimezone bool
}

// Adapter talks to one CalDAV server. The upstream client handles discovery
// and time-range queries; delta reports and conditional writes go over the
// same authenticated HTTP client directly.
type Adapter struct {
	client    *caldav.Client
	http      *http.Client
	endpoint  *url.URL
	loc       *time.Location
	includeTZ bool
	log       *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New builds the adapter and validates the endpoint. No network traffic
// happens here; the first call does.
func New(opts Options, logger *slog.Logger) (*Adapter, error) {
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", opts.Endpoint, err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("endpoint %q must be an absolute URL", opts.Endpoint)
	}

	loc := time.UTC
	if opts.Timezone != "" {
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", opts.Timezone, err)
		}
	}

	httpClient := newHTTPClient(opts.AuthMode, opts.Username, opts.Password, opts.ConnectTimeout, opts.ReadTimeout)
	client, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating caldav client: %w", err)
	}

	return &Adapter{
		client:    client,
		http:      httpClient,
		endpoint:  endpoint,
		loc:       loc,
		includeTZ: opts.IncludeVTimezone,
		log:       logger,
	}, nil
}

func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              backendName,
		CanWrite:          true,
		SupportsDeltaSync: true,
		Timezone:          a.loc.String(),
	}
}

// ListCalendars walks the standard discovery chain: current-user-principal,
// calendar-home-set, then the home set's calendar collections.
func (a *Adapter) ListCalendars(ctx context.Context) ([]model.CalendarRef, error) {
	principal, err := a.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, &backend.AuthError{Backend: backendName, Err: fmt.Errorf("finding principal: %w", err)}
	}
	homeSet, err := a.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("finding calendar home set: %w", err)
	}
	cals, err := a.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("listing calendars: %w", err)
	}

	refs := make([]model.CalendarRef, 0, len(cals))
	for _, c := range cals {
		if !supportsEvents(c.SupportedComponentSet) {
			continue
		}
		refs = append(refs, model.CalendarRef{
			ID:       c.Path,
			Alias:    c.Name,
			URL:      c.Path,
			Timezone: a.loc.String(),
		})
	}
	return refs, nil
}

func supportsEvents(set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, comp := range set {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

// ListEvents issues a sync-collection delta report when a token is supplied,
// and a bounded time-range query otherwise. The window path also picks up a
// fresh collection token so the next cycle can go delta.
func (a *Adapter) ListEvents(ctx context.Context, cal model.CalendarRef, opts backend.ListOptions) (*backend.Page, error) {
	if opts.SyncToken != "" {
		return a.listDelta(ctx, cal, opts.SyncToken)
	}
	return a.listWindow(ctx, cal, opts.Since, opts.Until)
}

func (a *Adapter) listDelta(ctx context.Context, cal model.CalendarRef, token string) (*backend.Page, error) {
	body, err := a.report(ctx, cal.URL, syncCollectionBody(token), func(code int) error {
		// An invalidated token fails the valid-sync-token precondition.
		if code == http.StatusForbidden || code == http.StatusConflict {
			return fmt.Errorf("sync token rejected: %w", backend.ErrCursorExpired)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, err
	}

	page := &backend.Page{SyncToken: ms.SyncToken}
	for _, resp := range ms.Responses {
		if resp.deleted() {
			continue
		}
		events, err := a.responseEvents(ctx, cal, &resp)
		if err != nil {
			a.log.Warn("skipping undecodable object", "href", resp.Href, "error", err)
			continue
		}
		page.Events = append(page.Events, events...)
	}
	return page, nil
}

func (a *Adapter) listWindow(ctx context.Context, cal model.CalendarRef, since, until time.Time) (*backend.Page, error) {
	body, err := a.report(ctx, cal.URL, calendarQueryBody(since, until), nil)
	if err != nil {
		return nil, err
	}
	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, err
	}

	page := &backend.Page{}
	for _, resp := range ms.Responses {
		events, err := a.responseEvents(ctx, cal, &resp)
		if err != nil {
			a.log.Warn("skipping undecodable object", "href", resp.Href, "error", err)
			continue
		}
		page.Events = append(page.Events, events...)
	}

	if token, err := a.collectionSyncToken(ctx, cal.URL); err == nil {
		page.SyncToken = token
	} else {
		a.log.Debug("collection sync token unavailable", "calendar", cal.Alias, "error", err)
	}
	return page, nil
}

// responseEvents decodes one multistatus response, fetching the object body
// when the report omitted calendar-data.
func (a *Adapter) responseEvents(ctx context.Context, cal model.CalendarRef, resp *davResponse) ([]*model.Event, error) {
	etag := resp.etag()
	if data := resp.calendarData(); data != "" {
		// XML parsing strips the CRs from inline calendar-data; restore
		// wire line endings before handing it to the ics decoder.
		data = strings.ReplaceAll(data, "\r\n", "\n")
		data = strings.ReplaceAll(data, "\n", "\r\n")
		doc, err := ical.NewDecoder(strings.NewReader(data)).Decode()
		if err != nil {
			return nil, err
		}
		return decodeCalendar(doc, resp.Href, etag, a.loc)
	}

	doc, etag, err := a.getObject(ctx, resp.Href)
	if err != nil {
		return nil, err
	}
	return decodeCalendar(doc, resp.Href, etag, a.loc)
}

func (a *Adapter) GetEvent(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error) {
	href, recurrenceID := splitEventID(id)
	doc, etag, err := a.getObject(ctx, href)
	if err != nil {
		return nil, err
	}
	comp := findComponent(doc, recurrenceID)
	if comp == nil {
		return nil, fmt.Errorf("event %q: %w", id, backend.ErrNotFound)
	}
	return decodeEvent(comp, href, etag, a.loc)
}

// PatchEvent rewrites one VEVENT inside its document and writes the whole
// document back with If-Match. The fetch-modify-put round trip is the CalDAV
// shape of a partial update; the conditional header keeps it safe.
func (a *Adapter) PatchEvent(ctx context.Context, cal model.CalendarRef, id string, patch backend.EventPatch, ifMatchETag string) (string, error) {
	href, recurrenceID := splitEventID(id)
	doc, _, err := a.getObject(ctx, href)
	if err != nil {
		return "", err
	}
	comp := findComponent(doc, recurrenceID)
	if comp == nil {
		return "", fmt.Errorf("event %q: %w", id, backend.ErrNotFound)
	}

	ev, err := decodeEvent(comp, href, "", a.loc)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", href, err)
	}
	applyPatch(ev, patch)
	applyEvent(comp, ev)

	return a.putObject(ctx, href, doc, ifMatchETag, false)
}

func (a *Adapter) CreateEvent(ctx context.Context, cal model.CalendarRef, ev *model.Event) (string, error) {
	if ev.UID == "" {
		ev.UID = uuid.NewString()
	}
	href := path.Join(cal.URL, ev.UID+".ics")
	if _, err := a.putObject(ctx, href, encodeEvent(ev, a.loc, a.includeTZ), "", true); err != nil {
		return "", err
	}
	return href, nil
}

// CreateOverride appends an exception component to the series document. The
// override inherits the master's shape, shifted to the instance and patched.
func (a *Adapter) CreateOverride(ctx context.Context, cal model.CalendarRef, masterID, recurrenceID string, patch backend.EventPatch) (string, error) {
	href, _ := splitEventID(masterID)
	doc, etag, err := a.getObject(ctx, href)
	if err != nil {
		return "", err
	}
	master := findComponent(doc, "")
	if master == nil {
		return "", fmt.Errorf("series master %q: %w", masterID, backend.ErrNotFound)
	}
	if findComponent(doc, recurrenceID) != nil {
		return "", fmt.Errorf("override %s already exists: %w", recurrenceID, backend.ErrConflict)
	}

	ev, err := decodeEvent(master, href, "", a.loc)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", href, err)
	}
	start, err := parseRecurrenceID(recurrenceID, a.loc)
	if err != nil {
		return "", fmt.Errorf("recurrence id %q: %w", recurrenceID, err)
	}
	duration := ev.End.Sub(ev.Start)
	ev.RecurrenceID = recurrenceID
	ev.RRule = ""
	ev.Start = start
	if duration > 0 {
		ev.End = start.Add(duration)
	} else {
		ev.End = time.Time{}
	}
	applyPatch(ev, patch)

	override := ical.NewComponent(ical.CompEvent)
	override.Props.SetText(ical.PropUID, ev.UID)
	override.Props.SetText(ical.PropRecurrenceID, recurrenceID)
	applyEvent(override, ev)
	doc.Children = append(doc.Children, override)

	if _, err := a.putObject(ctx, href, doc, etag, false); err != nil {
		return "", err
	}
	return href + "#" + recurrenceID, nil
}

func (a *Adapter) GetSeriesMaster(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error) {
	href, _ := splitEventID(id)
	return a.GetEvent(ctx, cal, href)
}

func applyPatch(ev *model.Event, patch backend.EventPatch) {
	if patch.Summary != nil {
		ev.Summary = *patch.Summary
	}
	if patch.AllDay != nil {
		ev.AllDay = *patch.AllDay
	}
	if patch.RRule != nil {
		ev.RRule = *patch.RRule
	}
	if patch.Markers != nil {
		ev.Markers = *patch.Markers
	}
}

func parseRecurrenceID(id string, loc *time.Location) (time.Time, error) {
	if len(id) == len(dateFormat) {
		return time.ParseInLocation(dateFormat, id, loc)
	}
	if strings.HasSuffix(id, "Z") {
		return time.Parse(dateTimeFormat, id)
	}
	return time.ParseInLocation("20060102T150405", id, loc)
}

// getObject fetches and decodes one calendar object, returning its etag.
func (a *Adapter) getObject(ctx context.Context, href string) (*ical.Calendar, string, error) {
	req, err := a.newRequest(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, "", &backend.NetworkError{Op: "GET " + href, Err: err}
	}
	defer resp.Body.Close()
	if err := statusError("GET "+href, resp.StatusCode); err != nil {
		return nil, "", err
	}

	doc, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, "", fmt.Errorf("decoding %s: %w", href, err)
	}
	return doc, trimETag(resp.Header.Get("Etag")), nil
}

// putObject writes a calendar object. ifMatch guards updates; ifNoneMatch
// guards creates against racing an existing object.
func (a *Adapter) putObject(ctx context.Context, href string, doc *ical.Calendar, ifMatch string, ifNoneMatch bool) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(doc); err != nil {
		return "", fmt.Errorf("encoding %s: %w", href, err)
	}

	req, err := a.newRequest(ctx, http.MethodPut, href, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", ical.MIMEType)
	if ifMatch != "" {
		req.Header.Set("If-Match", `"`+ifMatch+`"`)
	}
	if ifNoneMatch {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return "", &backend.NetworkError{Op: "PUT " + href, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if err := statusError("PUT "+href, resp.StatusCode); err != nil {
		return "", err
	}

	// Servers that omit the etag on PUT get one more round trip.
	if etag := trimETag(resp.Header.Get("Etag")); etag != "" {
		return etag, nil
	}
	_, etag, err := a.getObject(ctx, href)
	if err != nil {
		return "", err
	}
	return etag, nil
}

// report issues a REPORT request against a collection. onStatus lets callers
// map method-specific failure codes before the generic mapping applies.
func (a *Adapter) report(ctx context.Context, collection, body string, onStatus func(int) error) ([]byte, error) {
	req, err := a.newRequest(ctx, "REPORT", collection, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &backend.NetworkError{Op: "REPORT " + collection, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		if onStatus != nil {
			if err := onStatus(resp.StatusCode); err != nil {
				return nil, err
			}
		}
		return nil, statusError("REPORT "+collection, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// collectionSyncToken reads the collection's current DAV:sync-token via a
// depth-zero PROPFIND.
func (a *Adapter) collectionSyncToken(ctx context.Context, collection string) (string, error) {
	const body = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:"><d:prop><d:sync-token/></d:prop></d:propfind>`

	req, err := a.newRequest(ctx, "PROPFIND", collection, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "0")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", &backend.NetworkError{Op: "PROPFIND " + collection, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return "", statusError("PROPFIND "+collection, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var ms struct {
		Responses []struct {
			Propstat []struct {
				Prop struct {
					SyncToken string `xml:"sync-token"`
				} `xml:"prop"`
			} `xml:"propstat"`
		} `xml:"response"`
	}
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return "", fmt.Errorf("parsing propfind response: %w", err)
	}
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.SyncToken != "" {
				return ps.Prop.SyncToken, nil
			}
		}
	}
	return "", fmt.Errorf("collection %s advertises no sync token", collection)
}

func (a *Adapter) newRequest(ctx context.Context, method, href string, body io.Reader) (*http.Request, error) {
	u := a.endpoint.ResolveReference(&url.URL{Path: href})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, href, err)
	}
	return req, nil
}

// statusError maps HTTP failure codes onto the shared error taxonomy.
func statusError(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, backend.ErrNotFound)
	case code == http.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w", op, backend.ErrConflict)
	case code == http.StatusUnauthorized:
		return &backend.AuthError{Backend: backendName, Err: fmt.Errorf("%s: http %d", op, code)}
	case code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, backend.ErrForbidden)
	case code == http.StatusTooManyRequests || code >= 500:
		return &backend.NetworkError{Op: op, Err: fmt.Errorf("http %d", code)}
	default:
		return fmt.Errorf("%s: unexpected http %d", op, code)
	}
}
