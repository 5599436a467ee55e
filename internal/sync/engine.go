// Package sync drives the repair cycles: it walks each configured calendar,
// fetches events incrementally where the backend supports it, and feeds every
// event through the repair state machine with bounded parallelism.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"calmend/internal/backend"
	"calmend/internal/model"
	"calmend/internal/repair"
	"calmend/internal/state"
)

const (
	otelScope       = "calmend/sync"
	spanCycle       = "sync.cycle"
	metricRepaired  = "calmend.repair.repaired"
	metricClean     = "calmend.repair.already_clean"
	metricReview    = "calmend.repair.needs_review"
	metricConflicts = "calmend.repair.conflicts"
	metricErrors    = "calmend.repair.errors"
)

// Processor runs one event through the repair state machine. Implemented by
// [repair.Repairer].
type Processor interface {
	Process(ctx context.Context, ad backend.Adapter, cal model.CalendarRef, ev *model.Event) repair.Record
}

// CursorStore persists per-calendar delta cursors. Implemented by
// [state.Store].
type CursorStore interface {
	Get(ctx context.Context, calendarID string) (*state.Cursor, error)
	Put(ctx context.Context, c *state.Cursor) error
	Delete(ctx context.Context, calendarID string) error
}

// ActiveSource resolves the current adapter. Implemented by
// [source.Manager]; the engine re-resolves every cycle so a backend switch
// takes effect at the next cycle boundary.
type ActiveSource interface {
	Active() (backend.Adapter, error)
}

// Options is the engine's sync policy.
type Options struct {
	// Calendars are processed in this order every cycle.
	Calendars []model.CalendarRef

	// WindowDays bounds the forward-looking window fetch.
	WindowDays int

	// Parallel bounds concurrent repairs within one page.
	Parallel int

	// DeltaSync enables cursor-based incremental fetches.
	DeltaSync bool

	PollInterval time.Duration
}

// Stats aggregates repair outcomes over a cycle.
type Stats struct {
	Repaired     int
	AlreadyClean int
	NoMatch      int
	NeedsReview  int
	Conflicts    int
	Skipped      int
	Errors       int
}

func (s *Stats) add(o repair.Outcome) {
	switch o {
	case repair.OutcomeRepaired:
		s.Repaired++
	case repair.OutcomeAlreadyClean:
		s.AlreadyClean++
	case repair.OutcomeNoMatch:
		s.NoMatch++
	case repair.OutcomeNeedsReview:
		s.NeedsReview++
	case repair.OutcomeConflict:
		s.Conflicts++
	case repair.OutcomeSkippedProtected, repair.OutcomeSkippedReadOnly, repair.OutcomeSkippedPast, repair.OutcomeGone:
		s.Skipped++
	default:
		s.Errors++
	}
}

func (s *Stats) merge(o Stats) {
	s.Repaired += o.Repaired
	s.AlreadyClean += o.AlreadyClean
	s.NoMatch += o.NoMatch
	s.NeedsReview += o.NeedsReview
	s.Conflicts += o.Conflicts
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Engine orchestrates the poll loop. Create one with [NewEngine] and start
// it with [Engine.Run], or drive single passes with [Engine.RunOnce].
type Engine struct {
	source ActiveSource
	proc   Processor
	store  CursorStore
	opts   Options
	log    *slog.Logger

	locks *uidLocks
	now   func() time.Time

	// OTel instruments, no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntRepaired  metric.Int64Counter
	cntClean     metric.Int64Counter
	cntReview    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

func NewEngine(src ActiveSource, proc Processor, store CursorStore, opts Options, logger *slog.Logger) *Engine {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		source: src,
		proc:   proc,
		store:  store,
		opts:   opts,
		log:    logger,
		locks:  newUIDLocks(),
		now:    time.Now,

		tracer:       otel.Tracer(otelScope),
		cntRepaired:  mustCounter(metricRepaired, "Events repaired"),
		cntClean:     mustCounter(metricClean, "Events found already repaired"),
		cntReview:    mustCounter(metricReview, "Events flagged for manual review"),
		cntConflicts: mustCounter(metricConflicts, "Repairs abandoned after a version conflict"),
		cntErrors:    mustCounter(metricErrors, "Events that failed with an error"),
	}
}

// cycle runs one full pass over all configured calendars, recording a trace
// span and outcome metrics.
func (e *Engine) cycle(ctx context.Context) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanCycle)
	defer span.End()

	ad, err := e.source.Active()
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("resolving backend: %w", err)
	}

	var stats Stats
	var firstErr error
	for _, cal := range e.opts.Calendars {
		calStats, err := e.syncCalendar(ctx, ad, cal)
		stats.merge(calStats)
		if err != nil {
			// One calendar failing must not starve the others.
			e.log.Error("calendar sync failed", "calendar", cal.Alias, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = fmt.Errorf("calendar %s: %w", cal.Alias, err)
			}
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
	}

	e.record(ctx, span, stats)
	return stats, firstErr
}

func (e *Engine) record(ctx context.Context, span trace.Span, stats Stats) {
	if stats.Repaired > 0 {
		e.cntRepaired.Add(ctx, int64(stats.Repaired))
	}
	if stats.AlreadyClean > 0 {
		e.cntClean.Add(ctx, int64(stats.AlreadyClean))
	}
	if stats.NeedsReview > 0 {
		e.cntReview.Add(ctx, int64(stats.NeedsReview))
	}
	if stats.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(stats.Conflicts))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}
	span.SetAttributes(
		attribute.Int("repair.repaired", stats.Repaired),
		attribute.Int("repair.already_clean", stats.AlreadyClean),
		attribute.Int("repair.needs_review", stats.NeedsReview),
		attribute.Int("repair.conflicts", stats.Conflicts),
		attribute.Int("repair.errors", stats.Errors),
	)
}

// syncCalendar picks the fetch strategy for one calendar and walks it. An
// expired cursor falls back to a fresh window fetch exactly once.
func (e *Engine) syncCalendar(ctx context.Context, ad backend.Adapter, cal model.CalendarRef) (Stats, error) {
	token := ""
	if e.opts.DeltaSync && ad.Capabilities().SupportsDeltaSync {
		cursor, err := e.store.Get(ctx, cal.ID)
		if err != nil {
			e.log.Error("reading cursor, falling back to window fetch", "calendar", cal.Alias, "error", err)
		} else if cursor != nil {
			token = cursor.SyncToken
		}
	}

	stats, err := e.walk(ctx, ad, cal, token)
	if err != nil && errors.Is(err, backend.ErrCursorExpired) {
		e.log.Info("cursor expired, re-fetching window", "calendar", cal.Alias)
		if derr := e.store.Delete(ctx, cal.ID); derr != nil {
			e.log.Error("deleting expired cursor", "calendar", cal.Alias, "error", derr)
		}
		var retryStats Stats
		retryStats, err = e.walk(ctx, ad, cal, "")
		stats.merge(retryStats)
	}
	return stats, err
}

// walk pages through one fetch and repairs every event. The cursor is
// persisted only after its page has been fully processed, so a crash replays
// the page instead of skipping it.
func (e *Engine) walk(ctx context.Context, ad backend.Adapter, cal model.CalendarRef, token string) (Stats, error) {
	listOpts := backend.ListOptions{SyncToken: token}
	var windowEnd time.Time
	if token == "" {
		now := e.now()
		listOpts.Since = now.AddDate(0, 0, -1)
		listOpts.Until = now.AddDate(0, 0, e.opts.WindowDays)
		windowEnd = listOpts.Until
	}

	var stats Stats
	// Once a write fails authentication the credential is broken for the
	// whole calendar: keep reading and computing, stop attempting writes.
	var authFailed atomic.Bool
	for {
		var page *backend.Page
		err := backend.Retry(ctx, func() error {
			var lerr error
			page, lerr = ad.ListEvents(ctx, cal, listOpts)
			return lerr
		})
		if err != nil {
			return stats, err
		}

		stats.merge(e.processPage(ctx, ad, cal, page.Events, &authFailed))

		if page.SyncToken != "" && e.opts.DeltaSync {
			if stats.Errors > 0 {
				// Advancing past failed events would drop them from
				// delta redelivery; the stale cursor re-reads them
				// next cycle. Conflicts are exempt: the remote side
				// changed, so the next delta returns them anyway.
				e.log.Warn("withholding cursor after event failures",
					"calendar", cal.Alias, "errors", stats.Errors)
			} else {
				cursor := &state.Cursor{CalendarID: cal.ID, SyncToken: page.SyncToken, WindowEnd: windowEnd}
				if err := e.store.Put(ctx, cursor); err != nil {
					e.log.Error("persisting cursor", "calendar", cal.Alias, "error", err)
				}
			}
		}

		if page.NextPageToken == "" {
			return stats, nil
		}
		listOpts.PageToken = page.NextPageToken
	}
}

// processPage repairs a page's events with bounded parallelism, serializing
// on the event UID. After an authentication failure the remaining events are
// processed with the calendar marked read-only, so their titles are still
// computed but no further write hits the broken credential.
func (e *Engine) processPage(ctx context.Context, ad backend.Adapter, cal model.CalendarRef, events []*model.Event, authFailed *atomic.Bool) Stats {
	sem := make(chan struct{}, e.opts.Parallel)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var stats Stats

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ev *model.Event) {
			defer wg.Done()
			defer func() { <-sem }()

			calRef := cal
			if authFailed.Load() {
				calRef.ReadOnly = true
			}

			unlock := e.locks.lock(ev.UID)
			rec := e.proc.Process(ctx, ad, calRef, ev)
			unlock()

			var authErr *backend.AuthError
			if errors.As(rec.Err, &authErr) && !authFailed.Swap(true) {
				e.log.Warn("write authentication failed, suspending writes for this calendar until next cycle",
					"calendar", cal.Alias, "error", rec.Err)
			}

			switch rec.Outcome {
			case repair.OutcomeRepaired:
				e.log.Info("event repaired",
					"calendar", cal.Alias, "event", ev.UID, "rule", rec.RuleID, "title", rec.Title)
			case repair.OutcomeConflict:
				e.log.Warn("repair lost a write race", "calendar", cal.Alias, "event", ev.UID)
			case repair.OutcomeError:
				e.log.Error("repair failed", "calendar", cal.Alias, "event", ev.UID, "error", rec.Err)
			}

			mu.Lock()
			stats.add(rec.Outcome)
			mu.Unlock()
		}(ev)
	}
	wg.Wait()
	return stats
}

// RunOnce performs a single cycle and returns its stats.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	return e.cycle(ctx)
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	// Immediate first pass.
	if stats, err := e.cycle(ctx); err != nil {
		e.log.Error("initial cycle failed", "error", err)
	} else {
		e.logStats(stats)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			stats, err := e.cycle(ctx)
			if err != nil {
				e.log.Error("cycle failed", "error", err)
				continue
			}
			e.logStats(stats)
		}
	}
}

func (e *Engine) logStats(stats Stats) {
	e.log.Info("cycle complete",
		"repaired", stats.Repaired,
		"already_clean", stats.AlreadyClean,
		"needs_review", stats.NeedsReview,
		"conflicts", stats.Conflicts,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
	)
}
