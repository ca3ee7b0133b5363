package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/connentity/internal/ir"
)

var (
	// ErrConflict matches every *ConflictError via errors.Is.
	ErrConflict = errors.New("version conflict")
)

// ConflictError reports an optimistic-concurrency rejection.
// The caller must reload the snapshot and recompute the transition.
type ConflictError struct {
	Key             ir.EntityKey
	ExpectedVersion int64
	CurrentVersion  int64
	Reason          string

	// InboxConsumed is set when the inbox entry being applied was already
	// committed by an earlier transition. Retrying can never succeed.
	InboxConsumed bool
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("version conflict on %s: %s (expected=%d, current=%d)",
			e.Key, e.Reason, e.ExpectedVersion, e.CurrentVersion)
	}
	return fmt.Sprintf("version conflict on %s (expected=%d, current=%d)",
		e.Key, e.ExpectedVersion, e.CurrentVersion)
}

// Is makes errors.Is(err, ErrConflict) hold for any ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is (or wraps) a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInboxConsumed reports whether err is a conflict caused by applying an
// inbox entry a second time.
func IsInboxConsumed(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.InboxConsumed
}

// IsTransient reports whether err is a lock-contention failure that may
// succeed if retried unchanged. Every other store error is permanent.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
