package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/connentity/internal/ir"
)

// toNanos converts a timestamp to the stored INTEGER form.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// fromNanos is the inverse of toNanos. Results are always UTC.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullableNanos maps an optional timestamp to a nullable column.
func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

// marshalArgs converts Args to canonical JSON TEXT for storage.
func marshalArgs(args ir.Args) string {
	return string(ir.MarshalCanonical(args))
}

// unmarshalArgs parses canonical JSON TEXT to Args.
func unmarshalArgs(data string) (ir.Args, error) {
	args, err := ir.ParseArgs(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	return args, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (ir.Snapshot, error) {
	var (
		snap          ir.Snapshot
		key           string
		initializedAt sql.NullInt64
		status        string
	)
	if err := row.Scan(&key, &initializedAt, &status, &snap.Version); err != nil {
		return ir.Snapshot{}, err
	}
	snap.Key = ir.EntityKey(key)
	if initializedAt.Valid {
		t := fromNanos(initializedAt.Int64)
		snap.InitializedAt = &t
	}
	parsed, err := ir.ParseConnectionStatus(status)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("scan snapshot %s: %w", key, err)
	}
	snap.Status = parsed
	return snap, nil
}

func scanTimer(row rowScanner) (ir.ScheduledTimer, error) {
	var (
		t         ir.ScheduledTimer
		fireAt    int64
		key       string
		operation string
		args      string
		createdBy string
	)
	if err := row.Scan(&t.ID, &fireAt, &key, &operation, &args, &createdBy, &t.CreatedByVersion); err != nil {
		return ir.ScheduledTimer{}, err
	}
	parsed, err := unmarshalArgs(args)
	if err != nil {
		return ir.ScheduledTimer{}, fmt.Errorf("scan timer %s: %w", t.ID, err)
	}
	t.FireAt = fromNanos(fireAt)
	t.Key = ir.EntityKey(key)
	t.Operation = ir.OperationName(operation)
	t.Args = parsed
	t.CreatedByKey = ir.EntityKey(createdBy)
	return t, nil
}

func scanInbox(row rowScanner) (ir.InboxEntry, error) {
	var (
		e          ir.InboxEntry
		key        string
		operation  string
		args       string
		enqueuedAt int64
	)
	if err := row.Scan(&e.ID, &key, &operation, &args, &e.TimerID, &enqueuedAt); err != nil {
		return ir.InboxEntry{}, err
	}
	parsed, err := unmarshalArgs(args)
	if err != nil {
		return ir.InboxEntry{}, fmt.Errorf("scan inbox %d: %w", e.ID, err)
	}
	e.Key = ir.EntityKey(key)
	e.Operation = ir.OperationName(operation)
	e.Args = parsed
	e.EnqueuedAt = fromNanos(enqueuedAt)
	return e, nil
}

func scanOperation(row rowScanner) (ir.OperationRecord, error) {
	var (
		r           ir.OperationRecord
		key         string
		operation   string
		args        string
		source      string
		committedAt int64
	)
	if err := row.Scan(&key, &r.Version, &r.OperationID, &operation, &args, &source, &committedAt); err != nil {
		return ir.OperationRecord{}, err
	}
	parsed, err := unmarshalArgs(args)
	if err != nil {
		return ir.OperationRecord{}, fmt.Errorf("scan operation %s@%d: %w", key, r.Version, err)
	}
	r.Key = ir.EntityKey(key)
	r.Operation = ir.OperationName(operation)
	r.Args = parsed
	r.Source = ir.Source(source)
	r.CommittedAt = fromNanos(committedAt)
	return r, nil
}
