package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return store
}

func TestGet_Missing(t *testing.T) {
	store := openTestStore(t)

	c, err := store.Get(context.Background(), "family")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Errorf("cursor = %+v, want nil for an unknown calendar", c)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	windowEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if err := store.Put(ctx, &Cursor{
		CalendarID: "family",
		SyncToken:  "sync-token-1",
		WindowEnd:  windowEnd,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	c, err := store.Get(ctx, "family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == nil {
		t.Fatal("cursor missing after put")
	}
	if c.SyncToken != "sync-token-1" {
		t.Errorf("SyncToken = %q, want sync-token-1", c.SyncToken)
	}
	if !c.WindowEnd.Equal(windowEnd) {
		t.Errorf("WindowEnd = %s, want %s", c.WindowEnd, windowEnd)
	}
	if c.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
}

func TestPut_ReplacesExisting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, &Cursor{CalendarID: "family", SyncToken: "old"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, &Cursor{CalendarID: "family", SyncToken: "new"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	c, err := store.Get(ctx, "family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.SyncToken != "new" {
		t.Errorf("SyncToken = %q, want the replaced value", c.SyncToken)
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, &Cursor{CalendarID: "family", SyncToken: "tok"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "family"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	c, err := store.Get(ctx, "family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c != nil {
		t.Errorf("cursor = %+v, want nil after delete", c)
	}

	// Deleting a missing cursor is a no-op, not an error.
	if err := store.Delete(ctx, "family"); err != nil {
		t.Errorf("deleting missing cursor: %v", err)
	}
}

func TestCursors_PerCalendarIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, &Cursor{CalendarID: "family", SyncToken: "a"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, &Cursor{CalendarID: "shared", SyncToken: "b"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	fam, _ := store.Get(ctx, "family")
	sh, _ := store.Get(ctx, "shared")
	if fam.SyncToken != "a" || sh.SyncToken != "b" {
		t.Errorf("cursors crossed: family=%q shared=%q", fam.SyncToken, sh.SyncToken)
	}
}
