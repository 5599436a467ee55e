// Package backend defines the adapter contract implemented by the CalDAV and
// Google Calendar backends, together with the shared error taxonomy and the
// transient-failure retry helper.
//
// The two concrete adapters live in the caldav and google subpackages. All
// callers work exclusively through [Adapter]; capability differences are
// expressed as flags in [Capabilities], never as type switches.
package backend

import (
	"context"
	"time"

	"calmend/internal/model"
)

// Capabilities describes what a backend can do. It has no side effects and
// is safe to call repeatedly.
type Capabilities struct {
	// Name identifies the backend in logs and observability records.
	Name string

	// CanWrite is false for backends (or credentials) that only permit reads.
	CanWrite bool

	// SupportsDeltaSync is true when the backend can serve incremental
	// changes against an opaque cursor.
	SupportsDeltaSync bool

	// Timezone is the backend's default zone, when it reports one.
	Timezone string
}

// ListOptions selects which events a ListEvents call returns.
//
// When SyncToken is set the call performs a delta fetch and Since/Until are
// ignored; otherwise a bounded time-window query is issued. PageToken
// continues a previous page in either mode.
type ListOptions struct {
	Since time.Time
	Until time.Time

	SyncToken string
	PageToken string
}

// Page is one page of a ListEvents result.
type Page struct {
	Events []*model.Event

	// NextPageToken continues the listing when non-empty.
	NextPageToken string

	// SyncToken is the reissued delta cursor, set on the final page of a
	// fetch so the caller can persist it for the next cycle.
	SyncToken string
}

// EventPatch carries the fields a repair may change. Nil fields are left
// untouched on the remote event.
type EventPatch struct {
	Summary *string
	AllDay  *bool
	RRule   *string
	Markers *model.Markers
}

// Adapter is the single contract the core requires from any calendar
// backend.
//
// Writes are conditional: PatchEvent must fail with [ErrConflict] when the
// supplied ETag no longer matches the remote state, and with [ErrForbidden]
// when the calendar is read-only on the backend side. A delta ListEvents must
// fail with [ErrCursorExpired] when the backend rejects the token, so the
// caller can fall back to a fresh time-window fetch.
type Adapter interface {
	Capabilities() Capabilities

	ListCalendars(ctx context.Context) ([]model.CalendarRef, error)

	ListEvents(ctx context.Context, cal model.CalendarRef, opts ListOptions) (*Page, error)

	GetEvent(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error)

	// PatchEvent applies patch to the event and returns the new version
	// token. ifMatchETag may be empty to write unconditionally, though the
	// repairer never does that unless configured to.
	PatchEvent(ctx context.Context, cal model.CalendarRef, id string, patch EventPatch, ifMatchETag string) (newETag string, err error)

	// CreateEvent stores a new event and returns its adapter-specific ID.
	CreateEvent(ctx context.Context, cal model.CalendarRef, ev *model.Event) (id string, err error)

	// CreateOverride materialises a single-instance exception to a
	// recurring series, identified by the master's ID and the instance's
	// recurrence ID.
	CreateOverride(ctx context.Context, cal model.CalendarRef, masterID, recurrenceID string, patch EventPatch) (newEventID string, err error)

	// GetSeriesMaster resolves the series master for the given event ID.
	GetSeriesMaster(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error)
}
