package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/connentity/internal/ir"
)

const timerColumns = `id, fire_at, entity_key, operation, args, created_by_key, created_by_version`

// LoadSnapshot returns the committed snapshot for key.
// found=false means the entity has never committed a transition.
func (s *Store) LoadSnapshot(ctx context.Context, key ir.EntityKey) (snap ir.Snapshot, found bool, err error) {
	snap, err = scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT entity_key, initialized_at, connection_status, version
		FROM entities WHERE entity_key = ?
	`, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

// ListSnapshots returns every committed snapshot ordered by key.
func (s *Store) ListSnapshots(ctx context.Context) ([]ir.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key, initialized_at, connection_status, version
		FROM entities
		ORDER BY entity_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []ir.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// NextTimer returns the earliest pending timer (ties broken by id).
func (s *Store) NextTimer(ctx context.Context) (ir.ScheduledTimer, bool, error) {
	t, err := scanTimer(s.db.QueryRowContext(ctx, `
		SELECT `+timerColumns+`
		FROM timers
		ORDER BY fire_at ASC, id ASC
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ScheduledTimer{}, false, nil
	}
	if err != nil {
		return ir.ScheduledTimer{}, false, fmt.Errorf("next timer: %w", err)
	}
	return t, true, nil
}

// DueTimers returns timers with fire_at <= now in fire-time order.
// limit <= 0 means no limit.
func (s *Store) DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.ScheduledTimer, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT is unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timerColumns+`
		FROM timers
		WHERE fire_at <= ?
		ORDER BY fire_at ASC, id ASC
		LIMIT ?
	`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due timers: %w", err)
	}
	return collectTimers(rows)
}

// ListTimers returns the pending timers targeting key in fire-time order.
// An empty key lists every pending timer.
func (s *Store) ListTimers(ctx context.Context, key ir.EntityKey) ([]ir.ScheduledTimer, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if key == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+timerColumns+` FROM timers ORDER BY fire_at ASC, id ASC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+timerColumns+` FROM timers WHERE entity_key = ? ORDER BY fire_at ASC, id ASC
		`, string(key))
	}
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	return collectTimers(rows)
}

func collectTimers(rows *sql.Rows) ([]ir.ScheduledTimer, error) {
	defer rows.Close()
	var out []ir.ScheduledTimer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListInbox returns fired timers not yet applied, in firing order.
func (s *Store) ListInbox(ctx context.Context) ([]ir.InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_key, operation, args, timer_id, enqueued_at
		FROM inbox
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []ir.InboxEntry
	for rows.Next() {
		e, err := scanInbox(rows)
		if err != nil {
			return nil, fmt.Errorf("list inbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// History returns the journal of committed operations for key, oldest first.
func (s *Store) History(ctx context.Context, key ir.EntityKey) ([]ir.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key, version, operation_id, operation, args, source, committed_at
		FROM operations
		WHERE entity_key = ?
		ORDER BY version ASC
	`, string(key))
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	defer rows.Close()

	var out []ir.OperationRecord
	for rows.Next() {
		r, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
