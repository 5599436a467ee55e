// Package google implements the backend adapter contract on the hosted
// Google Calendar API: native delta listing via sync tokens, partial updates
// via Patch, and marker storage in private extended properties.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calmend/internal/backend"
	"calmend/internal/model"
)

const backendName = "google"

// pageSize keeps single responses bounded; the API paginates the rest.
const pageSize = 250

// Options configures the adapter.
type Options struct {
	CredentialsFile string
	TokenFile       string

	// ConnectTimeout and ReadTimeout bound every API round trip,
	// token refreshes included.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Timezone interprets all-day dates. Defaults to UTC.
	Timezone string
}

type Adapter struct {
	svc *calendar.Service
	loc *time.Location
	log *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New authenticates against the API using the stored OAuth token.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Adapter, error) {
	loc := time.UTC
	if opts.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", opts.Timezone, err)
		}
	}

	client, err := oauthClient(ctx, opts.CredentialsFile, opts.TokenFile, opts.ConnectTimeout, opts.ReadTimeout)
	if err != nil {
		return nil, &backend.AuthError{Backend: backendName, Err: err}
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return &Adapter{svc: svc, loc: loc, log: logger}, nil
}

// newWithService wires a prebuilt service, for tests against a local API stub.
func newWithService(svc *calendar.Service, loc *time.Location, logger *slog.Logger) *Adapter {
	return &Adapter{svc: svc, loc: loc, log: logger}
}

func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              backendName,
		CanWrite:          true,
		SupportsDeltaSync: true,
		Timezone:          a.loc.String(),
	}
}

func (a *Adapter) ListCalendars(ctx context.Context) ([]model.CalendarRef, error) {
	list, err := a.svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, apiError("listing calendars", err)
	}

	refs := make([]model.CalendarRef, 0, len(list.Items))
	for _, item := range list.Items {
		refs = append(refs, model.CalendarRef{
			ID:       item.Id,
			Alias:    item.Summary,
			ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			Timezone: item.TimeZone,
		})
	}
	return refs, nil
}

// ListEvents lists series masters and override instances, never the expanded
// occurrences. Delta fetches reuse the API's native sync tokens; the token
// arrives on the final page only.
func (a *Adapter) ListEvents(ctx context.Context, cal model.CalendarRef, opts backend.ListOptions) (*backend.Page, error) {
	call := a.svc.Events.List(cal.ID).
		SingleEvents(false).
		MaxResults(pageSize).
		Context(ctx)

	if opts.SyncToken != "" {
		// ShowDeleted is implied in delta mode; cancellations arrive as
		// cancelled items and are dropped during conversion.
		call = call.SyncToken(opts.SyncToken)
	} else {
		call = call.
			ShowDeleted(false).
			TimeMin(opts.Since.Format(time.RFC3339)).
			TimeMax(opts.Until.Format(time.RFC3339))
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	res, err := call.Do()
	if err != nil {
		if isGone(err) {
			return nil, fmt.Errorf("listing %s: %w", cal.ID, backend.ErrCursorExpired)
		}
		return nil, apiError("listing "+cal.ID, err)
	}

	page := &backend.Page{
		NextPageToken: res.NextPageToken,
		SyncToken:     res.NextSyncToken,
	}
	for _, item := range res.Items {
		ev, err := toModel(item, a.loc)
		if err != nil {
			a.log.Warn("skipping unparseable event", "calendar", cal.Alias, "event", item.Id, "error", err)
			continue
		}
		if ev != nil {
			page.Events = append(page.Events, ev)
		}
	}
	return page, nil
}

func (a *Adapter) GetEvent(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error) {
	item, err := a.svc.Events.Get(cal.ID, id).Context(ctx).Do()
	if err != nil {
		return nil, apiError("getting "+id, err)
	}
	ev, err := toModel(item, a.loc)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("event %q is cancelled: %w", id, backend.ErrNotFound)
	}
	return ev, nil
}

// PatchEvent issues a partial update guarded by If-Match. Only the fields
// named in the patch go over the wire.
func (a *Adapter) PatchEvent(ctx context.Context, cal model.CalendarRef, id string, patch backend.EventPatch, ifMatchETag string) (string, error) {
	item := &calendar.Event{}
	if patch.Summary != nil {
		item.Summary = *patch.Summary
	}
	if patch.AllDay != nil && *patch.AllDay {
		// Reshaping to all-day needs the current start date.
		current, err := a.GetEvent(ctx, cal, id)
		if err != nil {
			return "", err
		}
		if !current.AllDay {
			end := current.Start.In(a.loc).AddDate(0, 0, 1)
			item.Start = &calendar.EventDateTime{Date: current.Start.In(a.loc).Format(dateOnly)}
			item.End = &calendar.EventDateTime{Date: end.Format(dateOnly)}
		}
	}
	if patch.RRule != nil && *patch.RRule != "" {
		item.Recurrence = []string{"RRULE:" + *patch.RRule}
	}
	if patch.Markers != nil {
		item.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: markerProperties(*patch.Markers),
		}
	}

	call := a.svc.Events.Patch(cal.ID, id, item).Context(ctx)
	if ifMatchETag != "" {
		call.Header().Set("If-Match", `"`+ifMatchETag+`"`)
	}
	updated, err := call.Do()
	if err != nil {
		return "", apiError("patching "+id, err)
	}
	return trimQuotes(updated.Etag), nil
}

func (a *Adapter) CreateEvent(ctx context.Context, cal model.CalendarRef, ev *model.Event) (string, error) {
	created, err := a.svc.Events.Insert(cal.ID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return "", apiError("creating event", err)
	}
	return created.Id, nil
}

// CreateOverride resolves the concrete instance by its original start and
// patches it, which materialises the exception server-side.
func (a *Adapter) CreateOverride(ctx context.Context, cal model.CalendarRef, masterID, recurrenceID string, patch backend.EventPatch) (string, error) {
	instances, err := a.svc.Events.Instances(cal.ID, masterID).
		OriginalStart(recurrenceID).
		Context(ctx).Do()
	if err != nil {
		return "", apiError("resolving instance of "+masterID, err)
	}
	if len(instances.Items) == 0 {
		return "", fmt.Errorf("no instance of %s at %s: %w", masterID, recurrenceID, backend.ErrNotFound)
	}

	instanceID := instances.Items[0].Id
	if _, err := a.PatchEvent(ctx, cal, instanceID, patch, trimQuotes(instances.Items[0].Etag)); err != nil {
		return "", err
	}
	return instanceID, nil
}

func (a *Adapter) GetSeriesMaster(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error) {
	item, err := a.svc.Events.Get(cal.ID, id).Context(ctx).Do()
	if err != nil {
		return nil, apiError("getting "+id, err)
	}
	if item.RecurringEventId != "" {
		return a.GetEvent(ctx, cal, item.RecurringEventId)
	}
	return toModel(item, a.loc)
}

func trimQuotes(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusGone
}

// apiError maps googleapi failures onto the shared error taxonomy.
func apiError(op string, err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &backend.NetworkError{Op: op, Err: err}
	}
	switch {
	case apiErr.Code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, backend.ErrNotFound)
	case apiErr.Code == http.StatusPreconditionFailed || apiErr.Code == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, backend.ErrConflict)
	case apiErr.Code == http.StatusUnauthorized:
		return &backend.AuthError{Backend: backendName, Err: fmt.Errorf("%s: %v", op, err)}
	case apiErr.Code == http.StatusForbidden && isRateLimited(apiErr):
		return &backend.NetworkError{Op: op, Err: err}
	case apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, backend.ErrForbidden)
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return &backend.NetworkError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isRateLimited detects quota 403s, which the API uses interchangeably with
// 429 for per-user rate limits.
func isRateLimited(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
