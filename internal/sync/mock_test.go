package sync

import (
	"context"
	"fmt"
	"sync"

	"calmend/internal/backend"
	"calmend/internal/model"
	"calmend/internal/repair"
	"calmend/internal/state"
)

// --- Mock adapter ------------------------------------------------------------

// mockAdapter serves scripted pages per calendar and can fail a delta fetch
// with an expired cursor.
type mockAdapter struct {
	mu sync.Mutex

	caps backend.Capabilities

	// pages maps calendar ID to the page sequence a walk returns.
	pages map[string][]*backend.Page

	// expiredTokens rejects these sync tokens.
	expiredTokens map[string]bool

	listCalls []backend.ListOptions
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		caps:          backend.Capabilities{Name: "mock", CanWrite: true, SupportsDeltaSync: true},
		pages:         make(map[string][]*backend.Page),
		expiredTokens: make(map[string]bool),
	}
}

func (m *mockAdapter) Capabilities() backend.Capabilities { return m.caps }

func (m *mockAdapter) ListCalendars(context.Context) ([]model.CalendarRef, error) { return nil, nil }

func (m *mockAdapter) ListEvents(_ context.Context, cal model.CalendarRef, opts backend.ListOptions) (*backend.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = append(m.listCalls, opts)

	if opts.SyncToken != "" && m.expiredTokens[opts.SyncToken] {
		return nil, fmt.Errorf("token %q: %w", opts.SyncToken, backend.ErrCursorExpired)
	}

	queue := m.pages[cal.ID]
	if len(queue) == 0 {
		return &backend.Page{}, nil
	}
	page := queue[0]
	m.pages[cal.ID] = queue[1:]
	return page, nil
}

func (m *mockAdapter) GetEvent(context.Context, model.CalendarRef, string) (*model.Event, error) {
	return nil, backend.ErrNotFound
}

func (m *mockAdapter) PatchEvent(context.Context, model.CalendarRef, string, backend.EventPatch, string) (string, error) {
	return "", backend.ErrForbidden
}

func (m *mockAdapter) CreateEvent(context.Context, model.CalendarRef, *model.Event) (string, error) {
	return "", backend.ErrForbidden
}

func (m *mockAdapter) CreateOverride(context.Context, model.CalendarRef, string, string, backend.EventPatch) (string, error) {
	return "", backend.ErrForbidden
}

func (m *mockAdapter) GetSeriesMaster(context.Context, model.CalendarRef, string) (*model.Event, error) {
	return nil, backend.ErrNotFound
}

func (m *mockAdapter) calls() []backend.ListOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]backend.ListOptions, len(m.listCalls))
	copy(out, m.listCalls)
	return out
}

// --- Mock processor ----------------------------------------------------------

// mockProcessor records which events it saw, tracks concurrent entries, and
// returns a fixed outcome per event ID.
type mockProcessor struct {
	mu        sync.Mutex
	outcomes  map[string]repair.Outcome
	errs      map[string]error
	seen      []string
	readOnly  map[string]bool
	inflight  int
	maxActive int

	// activeByUID detects overlapping processing of the same UID.
	activeByUID map[string]int
	uidOverlap  bool
}

func newMockProcessor() *mockProcessor {
	return &mockProcessor{
		outcomes:    make(map[string]repair.Outcome),
		errs:        make(map[string]error),
		readOnly:    make(map[string]bool),
		activeByUID: make(map[string]int),
	}
}

func (p *mockProcessor) Process(_ context.Context, _ backend.Adapter, cal model.CalendarRef, ev *model.Event) repair.Record {
	p.mu.Lock()
	p.inflight++
	if p.inflight > p.maxActive {
		p.maxActive = p.inflight
	}
	p.activeByUID[ev.UID]++
	if p.activeByUID[ev.UID] > 1 {
		p.uidOverlap = true
	}
	p.mu.Unlock()

	outcome, ok := p.outcomes[ev.ID]
	if !ok {
		outcome = repair.OutcomeNoMatch
	}

	p.mu.Lock()
	p.seen = append(p.seen, ev.ID)
	p.readOnly[ev.ID] = cal.ReadOnly
	p.inflight--
	p.activeByUID[ev.UID]--
	p.mu.Unlock()

	return repair.Record{EventID: ev.ID, Outcome: outcome, Err: p.errs[ev.ID]}
}

func (p *mockProcessor) seenIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.seen))
	copy(out, p.seen)
	return out
}

// --- In-memory cursor store --------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	cursors map[string]*state.Cursor
	puts    int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{cursors: make(map[string]*state.Cursor)}
}

func (s *memStore) Get(_ context.Context, calendarID string) (*state.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[calendarID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) Put(_ context.Context, c *state.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.cursors[c.CalendarID] = &cp
	s.puts++
	return nil
}

func (s *memStore) Delete(_ context.Context, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, calendarID)
	s.deletes++
	return nil
}

// --- Fixed source ------------------------------------------------------------

type fixedSource struct {
	adapter backend.Adapter
	err     error
}

func (s *fixedSource) Active() (backend.Adapter, error) { return s.adapter, s.err }
