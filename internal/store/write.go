package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/connentity/internal/ir"
)

// Commit is one atomic transition of an entity.
type Commit struct {
	Key ir.EntityKey

	// ExpectedVersion is the version the transition was computed from.
	// An absent entity row counts as version 0.
	ExpectedVersion int64

	// Snapshot is the new state. Its Version must be ExpectedVersion+1.
	Snapshot ir.Snapshot

	// Timer is registered in the same transaction when non-nil.
	Timer *ir.ScheduledTimer

	// ConsumedInboxID deletes the inbox row this transition applies (0 = none).
	ConsumedInboxID int64

	// Record is the journal row. Key and Version are filled from Snapshot.
	Record ir.OperationRecord
}

// CommitTransition atomically persists a transition.
//
// The snapshot upsert, timer insert, inbox deletion and journal insert share
// one transaction. The transaction is rejected with *ConflictError when:
//   - the stored version differs from ExpectedVersion
//   - Snapshot.Version is not ExpectedVersion+1
//   - ConsumedInboxID no longer exists (another commit applied it)
//
// Timer inserts use ON CONFLICT(id) DO NOTHING; timer IDs are
// content-addressed so a recomputed transition registers the same row.
func (s *Store) CommitTransition(ctx context.Context, c Commit) error {
	if c.Snapshot.Key != c.Key {
		return fmt.Errorf("commit transition: snapshot key %q does not match %q", c.Snapshot.Key, c.Key)
	}
	if err := c.Snapshot.Validate(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	if c.Snapshot.Version != c.ExpectedVersion+1 {
		return &ConflictError{
			Key:             c.Key,
			ExpectedVersion: c.ExpectedVersion,
			CurrentVersion:  c.Snapshot.Version - 1,
			Reason:          "new version must be expected+1",
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit transition: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM entities WHERE entity_key = ?`, string(c.Key),
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("commit transition: read version: %w", err)
	}
	if current != c.ExpectedVersion {
		return &ConflictError{Key: c.Key, ExpectedVersion: c.ExpectedVersion, CurrentVersion: current}
	}

	committedAt := c.Record.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_key, initialized_at, connection_status, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_key) DO UPDATE SET
			initialized_at = excluded.initialized_at,
			connection_status = excluded.connection_status,
			version = excluded.version,
			updated_at = excluded.updated_at
	`,
		string(c.Key),
		nullableNanos(c.Snapshot.InitializedAt),
		c.Snapshot.Status.String(),
		c.Snapshot.Version,
		toNanos(committedAt),
	)
	if err != nil {
		return fmt.Errorf("commit transition: upsert entity: %w", err)
	}

	if c.Timer != nil {
		if err := insertTimer(ctx, tx, *c.Timer); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
	}

	if c.ConsumedInboxID != 0 {
		result, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE id = ?`, c.ConsumedInboxID)
		if err != nil {
			return fmt.Errorf("commit transition: consume inbox: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("commit transition: rows affected: %w", err)
		}
		if n == 0 {
			return &ConflictError{
				Key:             c.Key,
				ExpectedVersion: c.ExpectedVersion,
				CurrentVersion:  current,
				Reason:          fmt.Sprintf("inbox entry %d already consumed", c.ConsumedInboxID),
				InboxConsumed:   true,
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations
		(entity_key, version, operation_id, operation, args, source, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(c.Key),
		c.Snapshot.Version,
		c.Record.OperationID,
		string(c.Record.Operation),
		marshalArgs(c.Record.Args),
		string(c.Record.Source),
		toNanos(committedAt),
	)
	if err != nil {
		return fmt.Errorf("commit transition: write journal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: commit: %w", err)
	}
	return nil
}

func insertTimer(ctx context.Context, tx *sql.Tx, t ir.ScheduledTimer) error {
	if err := t.Key.Validate(); err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}
	if t.ID == "" {
		t.ID = ir.TimerID(t)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO timers
		(id, fire_at, entity_key, operation, args, created_by_key, created_by_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		t.ID,
		toNanos(t.FireAt),
		string(t.Key),
		string(t.Operation),
		marshalArgs(t.Args),
		string(t.CreatedByKey),
		t.CreatedByVersion,
	)
	if err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}
	return nil
}

// DeleteInbox removes an inbox entry whose operation turned out to be a no-op
// and therefore has no commit to consume it. Returns false if it was already gone.
func (s *Store) DeleteInbox(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete inbox %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete inbox %d: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// FireTimer converts a pending timer into an inbox entry.
//
// The timer deletion and inbox insert share one transaction, so a timer is
// never both pending and enqueued, and never lost between the two. Returns
// fired=false (and no error) when the timer no longer exists, which makes a
// repeated FireTimer for the same id a no-op.
func (s *Store) FireTimer(ctx context.Context, id string, now time.Time) (entry ir.InboxEntry, fired bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.InboxEntry{}, false, fmt.Errorf("fire timer: begin tx: %w", err)
	}
	defer tx.Rollback()

	timer, err := scanTimer(tx.QueryRowContext(ctx, `
		SELECT id, fire_at, entity_key, operation, args, created_by_key, created_by_version
		FROM timers WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.InboxEntry{}, false, nil
	}
	if err != nil {
		return ir.InboxEntry{}, false, fmt.Errorf("fire timer: select: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO inbox (entity_key, operation, args, timer_id, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		string(timer.Key),
		string(timer.Operation),
		marshalArgs(timer.Args),
		timer.ID,
		toNanos(now),
	)
	if err != nil {
		return ir.InboxEntry{}, false, fmt.Errorf("fire timer: insert inbox: %w", err)
	}
	inboxID, err := result.LastInsertId()
	if err != nil {
		return ir.InboxEntry{}, false, fmt.Errorf("fire timer: last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id); err != nil {
		return ir.InboxEntry{}, false, fmt.Errorf("fire timer: delete timer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.InboxEntry{}, false, fmt.Errorf("fire timer: commit: %w", err)
	}

	return ir.InboxEntry{
		ID:         inboxID,
		Key:        timer.Key,
		Operation:  timer.Operation,
		Args:       timer.Args,
		TimerID:    timer.ID,
		EnqueuedAt: fromNanos(toNanos(now)),
	}, true, nil
}
