package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/connentity/internal/ir"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCommit builds a commit moving key from version expected to expected+1.
func createTestCommit(key ir.EntityKey, expected int64, status ir.ConnectionStatus, op ir.OperationName) Commit {
	initializedAt := t0
	return Commit{
		Key:             key,
		ExpectedVersion: expected,
		Snapshot: ir.Snapshot{
			Key:           key,
			InitializedAt: &initializedAt,
			Status:        status,
			Version:       expected + 1,
		},
		Record: ir.OperationRecord{
			OperationID: "op-" + string(op),
			Operation:   op,
			Args:        ir.Args{},
			Source:      ir.SourceCaller,
			CommittedAt: t0,
		},
	}
}

// createTestTimer builds a HealthCheck timer for key with its content ID.
func createTestTimer(key ir.EntityKey, fireAt time.Time, createdBy int64) *ir.ScheduledTimer {
	timer := ir.ScheduledTimer{
		FireAt:           fireAt,
		Key:              key,
		Operation:        ir.OpHealthCheck,
		Args:             ir.Args{},
		CreatedByKey:     key,
		CreatedByVersion: createdBy,
	}
	timer.ID = ir.TimerID(timer)
	return &timer
}
