package repair

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"calmend/internal/backend"
	"calmend/internal/model"
)

// mockAdapter is an in-memory backend with etag versioning and injectable
// conflicts.
type mockAdapter struct {
	mu      sync.Mutex
	caps    backend.Capabilities
	events  map[string]*model.Event
	etagSeq int

	// conflictsRemaining makes the next N PatchEvent calls fail with
	// ErrConflict regardless of the supplied token.
	conflictsRemaining int

	patchCalls  int
	getCalls    int
	createCalls int
}

func newMockAdapter(events ...*model.Event) *mockAdapter {
	m := &mockAdapter{
		caps:   backend.Capabilities{Name: "mock", CanWrite: true, SupportsDeltaSync: true},
		events: make(map[string]*model.Event),
	}
	for _, ev := range events {
		cp := *ev
		if cp.ETag == "" {
			m.etagSeq++
			cp.ETag = "etag-" + strconv.Itoa(m.etagSeq)
		}
		m.events[cp.ID] = &cp
	}
	return m
}

func (m *mockAdapter) Capabilities() backend.Capabilities { return m.caps }

func (m *mockAdapter) ListCalendars(context.Context) ([]model.CalendarRef, error) {
	return nil, nil
}

func (m *mockAdapter) ListEvents(context.Context, model.CalendarRef, backend.ListOptions) (*backend.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := &backend.Page{}
	for _, ev := range m.events {
		cp := *ev
		page.Events = append(page.Events, &cp)
	}
	return page, nil
}

func (m *mockAdapter) GetEvent(_ context.Context, _ model.CalendarRef, id string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", id, backend.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *mockAdapter) PatchEvent(_ context.Context, _ model.CalendarRef, id string, patch backend.EventPatch, ifMatchETag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patchCalls++

	if m.conflictsRemaining > 0 {
		m.conflictsRemaining--
		return "", fmt.Errorf("patching %q: %w", id, backend.ErrConflict)
	}

	ev, ok := m.events[id]
	if !ok {
		return "", fmt.Errorf("event %q: %w", id, backend.ErrNotFound)
	}
	if ifMatchETag != "" && ifMatchETag != ev.ETag {
		return "", fmt.Errorf("patching %q: %w", id, backend.ErrConflict)
	}

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
	m.etagSeq++
	ev.ETag = "etag-" + strconv.Itoa(m.etagSeq)
	return ev.ETag, nil
}

func (m *mockAdapter) CreateEvent(_ context.Context, _ model.CalendarRef, ev *model.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if _, exists := m.events[ev.ID]; exists {
		return "", fmt.Errorf("event %q exists: %w", ev.ID, backend.ErrConflict)
	}
	cp := *ev
	m.etagSeq++
	cp.ETag = "etag-" + strconv.Itoa(m.etagSeq)
	m.events[cp.ID] = &cp
	return cp.ID, nil
}

func (m *mockAdapter) CreateOverride(_ context.Context, _ model.CalendarRef, masterID, recurrenceID string, patch backend.EventPatch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	master, ok := m.events[masterID]
	if !ok {
		return "", fmt.Errorf("master %q: %w", masterID, backend.ErrNotFound)
	}
	cp := *master
	cp.ID = masterID + "/" + recurrenceID
	cp.RecurrenceID = recurrenceID
	cp.IsSeriesMaster = false
	cp.RRule = ""
	if patch.Summary != nil {
		cp.Summary = *patch.Summary
	}
	if patch.Markers != nil {
		cp.Markers = *patch.Markers
	}
	m.events[cp.ID] = &cp
	return cp.ID, nil
}

func (m *mockAdapter) GetSeriesMaster(ctx context.Context, cal model.CalendarRef, id string) (*model.Event, error) {
	return m.GetEvent(ctx, cal, id)
}

func (m *mockAdapter) get(id string) *model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

func (m *mockAdapter) counts() (patches, gets, creates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchCalls, m.getCalls, m.createCalls
}
