// Package model defines shared types used across the sync engine, rule
// engine, and backend adapters.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CalendarRef identifies one configured calendar collection. It is built from
// immutable configuration at startup and never mutated during a run.
type CalendarRef struct {
	// ID is the backend-facing identifier: the collection path for CalDAV,
	// the calendar ID for Google.
	ID string

	// Alias is the human-readable name used in logs and the cursor store.
	Alias string

	// URL is the full collection URL where the backend distinguishes it
	// from ID (CalDAV). Empty for Google.
	URL string

	// ReadOnly marks calendars that must never receive a write call.
	ReadOnly bool

	// Timezone is the IANA zone name used when building event documents.
	Timezone string
}

// Event is the transient in-memory representation of a calendar event
// fetched during one sync cycle. The backend of record is always the
// adapter's remote store.
type Event struct {
	// ID is the adapter-specific object identifier: the object href for
	// CalDAV, the event ID for Google.
	ID string

	// UID is the iCalendar UID shared by a series master and its overrides.
	UID string

	Summary     string
	Description string

	Start time.Time
	End   time.Time

	// AllDay is true for date-only events (no time-of-day component).
	AllDay bool

	// RRule is the raw recurrence rule of a series master, empty otherwise.
	RRule string

	// RecurrenceID identifies a single-instance override of a recurring
	// series: the RECURRENCE-ID value for CalDAV, originalStartTime for
	// Google. Empty for masters and non-recurring events.
	RecurrenceID string

	// IsSeriesMaster is true when this event carries the recurrence rule
	// for a series rather than being one concrete occurrence.
	IsSeriesMaster bool

	// ETag is the backend's version token at fetch time, used for
	// conditional writes.
	ETag string

	// Timezone is the zone the event's times were expressed in, when the
	// backend reports one.
	Timezone string

	// Markers is the idempotency record previously written to the event,
	// zero when the event was never repaired.
	Markers Markers
}

// Markers is the five-key idempotency record embedded in an event's
// backend-specific custom-property slot. The wire representation differs per
// adapter; the logical keys are identical across backends.
type Markers struct {
	// Cleaned is true once a repair has been applied.
	Cleaned bool

	// RuleID names the repair rule that produced the rewrite.
	RuleID string

	// Signature is the content signature of the event at repair time.
	Signature string

	// OriginalSummary preserves the title as it was before the rewrite.
	OriginalSummary string

	// Payload is a JSON enrichment blob for downstream consumers.
	Payload string
}

// IsZero reports whether no marker has ever been written to the event.
func (m Markers) IsZero() bool {
	return !m.Cleaned && m.RuleID == "" && m.Signature == "" &&
		m.OriginalSummary == "" && m.Payload == ""
}

// Signature returns the deterministic SHA-256 hex digest identifying one
// concrete transformation target: the original summary, the event start, and
// the recurrence ID. Re-observing the same signature with Cleaned=true means
// the repair has already been applied and must not be repeated.
func Signature(originalSummary string, start time.Time, recurrenceID string) string {
	h := sha256.New()
	h.Write([]byte(originalSummary))
	h.Write([]byte("|"))
	h.Write([]byte(start.UTC().Format(time.RFC3339)))
	h.Write([]byte("|"))
	h.Write([]byte(recurrenceID))
	return hex.EncodeToString(h.Sum(nil))
}

// Signature is the content signature of the event as fetched. An already
// repaired event carries its pre-rewrite summary in the markers; that value
// keeps the signature stable across the rewrite itself.
func (e *Event) Signature() string {
	summary := e.Summary
	if e.Markers.OriginalSummary != "" {
		summary = e.Markers.OriginalSummary
	}
	return Signature(summary, e.Start, e.RecurrenceID)
}
