// Package repair implements the per-event repair state machine: rule
// consultation, signature and marker bookkeeping, and the conditional
// write-back through the active backend adapter.
//
// Every event moves through
//
//	Unparsed → {Matched | NoMatch} → {AlreadyClean | NeedsReview | Repaired | Conflict | Skipped}
//
// and the transition taken is reported as the [Record] outcome. A repair is
// applied at most once per content signature: no write is ever issued
// without the signature/marker check passing first.
package repair

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"calmend/internal/backend"
	"calmend/internal/model"
	"calmend/internal/rules"
)

// Outcome classifies how the state machine left an event.
type Outcome string

const (
	// OutcomeRepaired: the title was rewritten and markers were stored.
	OutcomeRepaired Outcome = "repaired"

	// OutcomeAlreadyClean: markers prove this signature was repaired
	// before; no write was issued.
	OutcomeAlreadyClean Outcome = "already_clean"

	// OutcomeNoMatch: no rule keyword matched; the pipeline ended.
	OutcomeNoMatch Outcome = "no_match"

	// OutcomeNeedsReview: the embedded date was unresolvable under the
	// strict-ambiguity policy; the event was left untouched.
	OutcomeNeedsReview Outcome = "needs_review"

	// OutcomeConflict: the conditional write failed twice; the event is
	// left for the next cycle.
	OutcomeConflict Outcome = "conflict"

	// OutcomeSkippedProtected: the title starts with a reserved prefix.
	OutcomeSkippedProtected Outcome = "skipped_protected"

	// OutcomeSkippedReadOnly: the calendar is read-only; the normalized
	// title was still computed for downstream use.
	OutcomeSkippedReadOnly Outcome = "skipped_read_only"

	// OutcomeSkippedPast: a recurrence instance that already happened.
	OutcomeSkippedPast Outcome = "skipped_past"

	// OutcomeGone: the event vanished from the backend mid-cycle.
	OutcomeGone Outcome = "gone"

	// OutcomeError: a classified per-event failure; retried next cycle
	// when transient.
	OutcomeError Outcome = "error"
)

// Record is the per-event observability surface handed to the logging and
// metrics collaborators. It is emitted for every processed event.
type Record struct {
	Adapter    string
	CalendarID string
	EventID    string
	ETagBefore string
	ETagAfter  string
	RuleID     string
	Signature  string
	ElapsedMS  int64
	Outcome    Outcome

	// Title is the normalized title, also computed for read-only
	// calendars so downstream enrichment sees it.
	Title string

	// Err carries the classified failure for error-family outcomes.
	Err error
}

// Options is the write policy the repairer operates under.
type Options struct {
	// IfMatch enables version-token conditional writes.
	IfMatch bool

	// ConflictRetries is the number of refetch-and-retry attempts after a
	// conflict. Policy is exactly one; the option exists so tests can pin
	// the bound.
	ConflictRetries int

	// AutoGenerateWarnings enables creation of lead-time warning events
	// from warning-rule linkage.
	AutoGenerateWarnings bool
}

// Repairer drives the state machine. It is stateless between events; all
// persistent state lives on the remote events themselves (markers) and in
// the cursor store.
type Repairer struct {
	table *rules.Table
	opts  Options
	log   *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a Repairer over the given rule table.
func New(table *rules.Table, opts Options, logger *slog.Logger) *Repairer {
	return &Repairer{table: table, opts: opts, log: logger, now: time.Now}
}

// Process runs one event through the state machine against the given
// adapter. Failures are classified into the Record, never propagated: a bad
// event must not abort the rest of its page.
func (r *Repairer) Process(ctx context.Context, ad backend.Adapter, cal model.CalendarRef, ev *model.Event) Record {
	start := r.now()
	rec := Record{
		Adapter:    ad.Capabilities().Name,
		CalendarID: cal.ID,
		EventID:    ev.ID,
		ETagBefore: ev.ETag,
	}
	defer func() {
		rec.ElapsedMS = time.Since(start).Milliseconds()
	}()

	now := r.now()

	// A concrete occurrence that already happened is never rewritten.
	if ev.RecurrenceID != "" && ev.Start.Before(now) {
		rec.Outcome = OutcomeSkippedPast
		return rec
	}

	res := r.table.Match(ev, now)
	switch {
	case res.Protected:
		rec.Outcome = OutcomeSkippedProtected
		return rec
	case !res.Matched:
		rec.Outcome = OutcomeNoMatch
		return rec
	}
	rec.RuleID = res.Rule.ID

	if res.NeedsReview {
		rec.Outcome = OutcomeNeedsReview
		r.log.Info("event flagged for review",
			"calendar", cal.Alias, "event", ev.UID, "reason", res.Reason)
		return rec
	}

	sig := ev.Signature()
	rec.Signature = sig
	rec.Title = res.Title

	// Idempotence guarantee: the duplicate-prevention check is
	// unconditional and precedes every write path.
	if ev.Markers.Cleaned && ev.Markers.Signature == sig {
		rec.Outcome = OutcomeAlreadyClean
		return rec
	}

	if cal.ReadOnly {
		rec.Outcome = OutcomeSkippedReadOnly
		return rec
	}

	newETag, outcome, err := r.writeBack(ctx, ad, cal, ev, res, sig)
	rec.ETagAfter = newETag
	rec.Outcome = outcome
	rec.Err = err

	if outcome == OutcomeRepaired && r.opts.AutoGenerateWarnings {
		r.generateWarning(ctx, ad, cal, ev, res, sig)
	}

	return rec
}

// writeBack attempts the conditional write, retrying exactly once on a
// version conflict with a refreshed token. A second conflict is surrendered
// to the next cycle.
func (r *Repairer) writeBack(ctx context.Context, ad backend.Adapter, cal model.CalendarRef, ev *model.Event, res rules.MatchResult, sig string) (string, Outcome, error) {
	original := ev.Summary
	if ev.Markers.OriginalSummary != "" {
		original = ev.Markers.OriginalSummary
	}
	patch := backend.EventPatch{
		Summary: &res.Title,
		AllDay:  &res.AllDay,
		Markers: &model.Markers{
			Cleaned:         true,
			RuleID:          res.Rule.ID,
			Signature:       sig,
			OriginalSummary: original,
			Payload:         res.Payload.JSON(),
		},
	}
	// The recurrence policy applies to masters and standalone events; an
	// override instance keeps its single-occurrence shape.
	if ev.RecurrenceID == "" {
		patch.RRule = &res.RRule
	}

	etag := ""
	if r.opts.IfMatch {
		etag = ev.ETag
	}

	for attempt := 0; ; attempt++ {
		newETag, err := ad.PatchEvent(ctx, cal, ev.ID, patch, etag)
		switch {
		case err == nil:
			return newETag, OutcomeRepaired, nil

		case errors.Is(err, backend.ErrConflict) && attempt < r.opts.ConflictRetries:
			fresh, gerr := ad.GetEvent(ctx, cal, ev.ID)
			if gerr != nil {
				return "", classify(gerr), gerr
			}
			// Another writer may have finished the same repair.
			if fresh.Markers.Cleaned && fresh.Markers.Signature == sig {
				return fresh.ETag, OutcomeAlreadyClean, nil
			}
			if r.opts.IfMatch {
				etag = fresh.ETag
			}

		case errors.Is(err, backend.ErrConflict):
			r.log.Info("conflict persisted after retry, leaving event for next cycle",
				"calendar", cal.Alias, "event", ev.UID)
			return "", OutcomeConflict, err

		default:
			return "", classify(err), err
		}
	}
}

// classify maps adapter errors onto outcome categories.
func classify(err error) Outcome {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return OutcomeGone
	case errors.Is(err, backend.ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// generateWarning creates the optional lead-time warning event for a freshly
// repaired base event. Generation failures are logged, never escalated: the
// repair itself already succeeded.
func (r *Repairer) generateWarning(ctx context.Context, ad backend.Adapter, cal model.CalendarRef, ev *model.Event, res rules.MatchResult, sig string) {
	warnRule := r.table.WarningFor(res.Rule.ID)
	if warnRule == nil {
		return
	}

	anchorYear := res.Date.Year
	if !res.Date.HasYear {
		anchorYear = ev.Start.Year()
	}
	anchor := time.Date(anchorYear, time.Month(res.Date.Month), res.Date.Day, 0, 0, 0, 0, ev.Start.Location())

	next, err := rules.NextOccurrence(anchor, res.RRule, r.now(), res.Rule.LeapDayPolicy)
	if err != nil {
		r.log.Error("computing next occurrence for warning", "event", ev.UID, "error", err)
		return
	}
	warnStart := next.AddDate(0, 0, -warnRule.WarnOffsetDays)
	if warnStart.Before(r.now()) {
		return
	}

	// Deterministic ID so re-runs collide with the existing warning instead
	// of duplicating it. Hex keeps it valid for both backends' ID alphabets.
	warnID := warningID(sig)

	warn := &model.Event{
		ID:      warnID,
		UID:     warnID,
		Summary: rules.RenderWarning(warnRule, res.Name, res.Date),
		Start:   warnStart,
		End:     warnStart.AddDate(0, 0, 1),
		AllDay:  true,
		Markers: model.Markers{
			Cleaned:   true,
			RuleID:    warnRule.ID,
			Signature: sig,
			Payload:   res.Payload.JSON(),
		},
	}
	// Both backends refuse to create over an existing ID, so a conflict
	// means an earlier cycle already generated this warning. A read probe
	// would not work here: event IDs are adapter-specific (hrefs on
	// CalDAV), while the create path owns the UID-to-ID mapping.
	if _, err := ad.CreateEvent(ctx, cal, warn); err != nil {
		if errors.Is(err, backend.ErrConflict) {
			return
		}
		r.log.Error("creating warning event", "event", ev.UID, "error", err)
		return
	}
	r.log.Info("warning event created",
		"calendar", cal.Alias, "base", ev.UID, "warning", warnID, "start", warnStart)
}

// warningID derives the deterministic warning-event identifier from the base
// repair signature.
func warningID(sig string) string {
	h := sha256.Sum256([]byte("warn|" + sig))
	return hex.EncodeToString(h[:16])
}
