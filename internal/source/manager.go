// Package source owns the active backend adapter and the atomic switch
// between backends. Everything downstream reads the adapter through the
// manager and never caches it across cycles.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"calmend/internal/backend"
)

// ErrNoActiveBackend is returned by Active before the first successful
// switch.
var ErrNoActiveBackend = errors.New("no active backend")

// Factory builds and authenticates an adapter. It must not leak state into
// the manager on failure.
type Factory func(ctx context.Context) (backend.Adapter, error)

// holder is the immutable unit the pointer swap operates on.
type holder struct {
	adapter    backend.Adapter
	caps       backend.Capabilities
	calendars  int
	switchedAt time.Time
}

// Manager hands out the active adapter and performs validated switches.
// Readers never block on a switch in progress; they see the old adapter
// until the new one has proven itself.
type Manager struct {
	log *slog.Logger

	// mu serializes switches; reads go through the pointer alone.
	mu     sync.Mutex
	active atomic.Pointer[holder]
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{log: logger}
}

// Active returns the current adapter.
func (m *Manager) Active() (backend.Adapter, error) {
	h := m.active.Load()
	if h == nil {
		return nil, ErrNoActiveBackend
	}
	return h.adapter, nil
}

// Switch builds a candidate adapter, probes it, and swaps it in. On any
// failure the previous adapter stays active untouched.
func (m *Manager) Switch(ctx context.Context, factory Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidate, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("building backend: %w", err)
	}

	caps := candidate.Capabilities()
	cals, err := candidate.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("probing backend %s: %w", caps.Name, err)
	}

	prev := m.active.Load()
	m.active.Store(&holder{
		adapter:    candidate,
		caps:       caps,
		calendars:  len(cals),
		switchedAt: time.Now(),
	})

	if prev != nil {
		m.log.Info("backend switched",
			"from", prev.caps.Name, "to", caps.Name, "calendars", len(cals))
	} else {
		m.log.Info("backend activated", "backend", caps.Name, "calendars", len(cals))
	}
	return nil
}

// Status describes the active backend for the status command.
type Status struct {
	Active     bool
	Backend    string
	CanWrite   bool
	DeltaSync  bool
	Calendars  int
	SwitchedAt time.Time
}

func (m *Manager) Status() Status {
	h := m.active.Load()
	if h == nil {
		return Status{}
	}
	return Status{
		Active:     true,
		Backend:    h.caps.Name,
		CanWrite:   h.caps.CanWrite,
		DeltaSync:  h.caps.SupportsDeltaSync,
		Calendars:  h.calendars,
		SwitchedAt: h.switchedAt,
	}
}
