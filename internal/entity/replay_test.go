package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/connentity/internal/ir"
)

func record(version int64, op ir.OperationName, at time.Time) ir.OperationRecord {
	return ir.OperationRecord{
		Key:         "k1",
		Version:     version,
		OperationID: "op",
		Operation:   op,
		Source:      ir.SourceCaller,
		CommittedAt: at,
	}
}

func TestReplay_Empty(t *testing.T) {
	snap, err := Replay("k1", nil)

	require.NoError(t, err)
	assert.Equal(t, ir.NewSnapshot("k1"), snap)
}

func TestReplay_FoldsJournal(t *testing.T) {
	history := []ir.OperationRecord{
		record(1, ir.OpInitialize, initAt),
		record(2, ir.OpRequestStartConnection, initAt.Add(time.Second)),
		record(3, ir.OpEstablishConnection, initAt.Add(2*time.Second)),
		record(4, ir.OpHealthCheck, initAt.Add(10*time.Second)),
		record(5, ir.OpDisconnect, initAt.Add(12*time.Second)),
	}

	snap, err := Replay("k1", history)

	require.NoError(t, err)
	assert.Equal(t, ir.NotConnected, snap.Status)
	assert.Equal(t, int64(5), snap.Version)
	require.NotNil(t, snap.InitializedAt)
	assert.True(t, initAt.Equal(*snap.InitializedAt))
}

func TestReplay_Errors(t *testing.T) {
	tests := []struct {
		name    string
		history []ir.OperationRecord
		errMsg  string
	}{
		{
			name:    "version gap",
			history: []ir.OperationRecord{record(2, ir.OpInitialize, initAt)},
			errMsg:  "fold reached v1",
		},
		{
			name:    "duplicate initialize journaled",
			history: []ir.OperationRecord{record(1, ir.OpInitialize, initAt), record(2, ir.OpInitialize, initAt)},
			errMsg:  "changed nothing",
		},
		{
			name:    "operation before initialize",
			history: []ir.OperationRecord{record(1, ir.OpEstablishConnection, initAt)},
			errMsg:  "v1 EstablishConnection",
		},
		{
			name: "foreign record",
			history: []ir.OperationRecord{{
				Key: "k2", Version: 1, Operation: ir.OpInitialize, CommittedAt: initAt,
			}},
			errMsg: "belongs to k2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay("k1", tt.history)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
