package pool

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotStarted     = errors.New("pool not started")
	// ErrReadyTimeout is returned by WaitReady when the requested number of
	// sessions did not come up within the deadline.
	ErrReadyTimeout = errors.New("timed out waiting for ready sessions")
)

// ConnectionError reports an operation attempted on a session that is not
// Ready. It is surfaced to the caller; reconnecting is the pool's own
// concern and never triggered by the failed operation.
type ConnectionError struct {
	Session int
	Status  Status
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session %d is not ready (status %s)", e.Session, e.Status)
}

// ConcurrencyError reports a role change requested while the session is not
// Ready. The stored role is left untouched.
type ConcurrencyError struct {
	Session int
	Status  Status
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("cannot change role of session %d while status is %q; only ready sessions accept role changes", e.Session, e.Status)
}
