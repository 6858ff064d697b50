package engine

import (
	"errors"
	"fmt"
)

// ErrCycleInFlight is returned by RunCycle when another cycle holds the
// guard. The caller skips this tick; cycles are never queued or run
// concurrently, since overlapping cycles would corrupt the previous-versus-
// current comparison basis.
var ErrCycleInFlight = errors.New("reconciliation cycle already in flight")

// PersistenceError represents a ledger write failure during a cycle.
//
// The cycle aborts before any partial write becomes visible to readers; the
// next scheduled cycle retries from the last successfully committed state.
type PersistenceError struct {
	// Op names the failed operation.
	Op string

	// SnapshotID identifies the affected cycle's snapshot.
	SnapshotID string

	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s (snapshot=%s): %v", e.Op, e.SnapshotID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError returns true if the error is a PersistenceError.
// Uses errors.As to handle wrapped errors.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
