// Package state manages the SQLite database holding per-calendar sync
// cursors, the only state shared across sync cycles.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
    calendar_id TEXT PRIMARY KEY,
    sync_token  TEXT NOT NULL DEFAULT '',
    window_end  TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL DEFAULT ''
);
`

// Cursor is the persisted fetch checkpoint for one calendar. Either
// SyncToken (delta-capable backend) or WindowEnd (time-window fallback) is
// meaningful; both may be set while a backend transitions between modes.
type Cursor struct {
	CalendarID string
	SyncToken  string
	WindowEnd  time.Time
	UpdatedAt  time.Time
}

// Store is the SQLite-backed cursor repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the cursor database:
// ~/.local/share/calmend/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calmend", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Get returns the cursor for the given calendar, or (nil, nil) if none has
// been persisted yet.
func (s *Store) Get(ctx context.Context, calendarID string) (*Cursor, error) {
	const q = `
		SELECT calendar_id, sync_token, window_end, updated_at
		FROM sync_cursors WHERE calendar_id = ?`

	var c Cursor
	var windowEnd, updatedAt string
	err := s.db.QueryRowContext(ctx, q, calendarID).Scan(
		&c.CalendarID, &c.SyncToken, &windowEnd, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying cursor for %q: %w", calendarID, err)
	}

	c.WindowEnd, _ = parseTime(windowEnd)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

// Put inserts or replaces the cursor for its calendar. UpdatedAt is stamped
// here, not by the caller.
func (s *Store) Put(ctx context.Context, c *Cursor) error {
	const q = `
		INSERT INTO sync_cursors (calendar_id, sync_token, window_end, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET
		    sync_token = excluded.sync_token,
		    window_end = excluded.window_end,
		    updated_at = excluded.updated_at`

	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, q,
		c.CalendarID,
		c.SyncToken,
		formatTime(c.WindowEnd),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting cursor for %q: %w", c.CalendarID, err)
	}
	return nil
}

// Delete drops the cursor for the given calendar. Used when the backend
// rejects a delta token as expired.
func (s *Store) Delete(ctx context.Context, calendarID string) error {
	const q = `DELETE FROM sync_cursors WHERE calendar_id = ?`
	if _, err := s.db.ExecContext(ctx, q, calendarID); err != nil {
		return fmt.Errorf("deleting cursor for %q: %w", calendarID, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
