package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors returned by adapters. Callers match them with [errors.Is];
// adapters wrap them with operation context via fmt.Errorf("…: %w", …).
var (
	// ErrNotFound: the event or calendar vanished from the backend.
	ErrNotFound = errors.New("not found")

	// ErrConflict: a conditional write failed because the version token no
	// longer matches the remote state.
	ErrConflict = errors.New("conflict: version token mismatch")

	// ErrForbidden: the backend rejected a write outright. Writes against
	// calendars marked read-only in configuration are guarded before any
	// adapter call and must never reach this error.
	ErrForbidden = errors.New("forbidden")

	// ErrCursorExpired: the backend rejected the delta cursor as expired or
	// unknown. The caller drops the cursor and falls back to a time-window
	// fetch.
	ErrCursorExpired = errors.New("delta cursor expired")
)

// NetworkError wraps a transient transport failure. Events affected by one
// are retried next cycle rather than aborting the run.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError wraps an authentication or authorisation failure. The affected
// calendar is marked unavailable for writes for the rest of the cycle.
type AuthError struct {
	Backend string
	Err     error
}

func (e *AuthError) Error() string { return fmt.Sprintf("%s authentication failed: %v", e.Backend, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: network-level failures
// and timeouts, but never conflicts, auth failures, or missing resources.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
