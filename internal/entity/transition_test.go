package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/connentity/internal/ir"
)

var (
	initAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now    = initAt.Add(time.Minute)
)

func initialized(status ir.ConnectionStatus, version int64) ir.Snapshot {
	at := initAt
	return ir.Snapshot{Key: "k1", InitializedAt: &at, Status: status, Version: version}
}

func apply(t *testing.T, snap ir.Snapshot, op ir.OperationName, args ir.Args) Result {
	t.Helper()
	res, err := Transition(Input{Snapshot: snap, Operation: op, Args: args, Now: now})
	require.NoError(t, err)
	return res
}

func TestTransition_Initialize(t *testing.T) {
	res := apply(t, ir.NewSnapshot("k1"), ir.OpInitialize, nil)

	assert.True(t, res.Changed)
	require.NotNil(t, res.Snapshot.InitializedAt)
	assert.True(t, now.Equal(*res.Snapshot.InitializedAt))
	assert.Equal(t, ir.NotConnected, res.Snapshot.Status)
	assert.Equal(t, int64(1), res.Snapshot.Version)
	assert.Empty(t, res.Effects)
	assert.Nil(t, res.Timer)
}

func TestTransition_DuplicateInitializeIsNoop(t *testing.T) {
	snap := initialized(ir.Connected, 3)

	res := apply(t, snap, ir.OpInitialize, nil)

	assert.False(t, res.Changed)
	assert.Equal(t, snap, res.Snapshot)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "already initialized")
}

func TestTransition_RequestStartConnection(t *testing.T) {
	res := apply(t, initialized(ir.NotConnected, 1), ir.OpRequestStartConnection, nil)

	assert.Equal(t, ir.AwaitingConnectionEstablish, res.Snapshot.Status)
	assert.Equal(t, []Effect{{Kind: EffectRequestConnect}}, res.Effects)
	assert.Nil(t, res.Timer)
}

func TestTransition_EstablishConnectionSchedulesFromInitializedAt(t *testing.T) {
	res := apply(t, initialized(ir.AwaitingConnectionEstablish, 2), ir.OpEstablishConnection, nil)

	assert.Equal(t, ir.Connected, res.Snapshot.Status)
	require.NotNil(t, res.Timer)
	assert.True(t, initAt.Add(10*time.Second).Equal(res.Timer.FireAt))
	assert.Equal(t, ir.OpHealthCheck, res.Timer.Operation)
	assert.Equal(t, ir.EntityKey("k1"), res.Timer.Key)
}

func TestTransition_EstablishConnectionIsPermissive(t *testing.T) {
	for _, from := range []ir.ConnectionStatus{ir.NotConnected, ir.AwaitingConnectionEstablish, ir.Connected} {
		t.Run(from.String(), func(t *testing.T) {
			res := apply(t, initialized(from, 2), ir.OpEstablishConnection, nil)
			assert.Equal(t, ir.Connected, res.Snapshot.Status)
			assert.Equal(t, int64(3), res.Snapshot.Version)
			assert.NotNil(t, res.Timer)
		})
	}
}

func TestTransition_CustomInterval(t *testing.T) {
	res, err := Transition(Input{
		Snapshot:            initialized(ir.AwaitingConnectionEstablish, 2),
		Operation:           ir.OpEstablishConnection,
		Now:                 now,
		HealthCheckInterval: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, initAt.Add(30*time.Second).Equal(res.Timer.FireAt))
}

func TestTransition_RequiresInitialization(t *testing.T) {
	for _, op := range []ir.OperationName{ir.OpEstablishConnection, ir.OpRequestStartConnection} {
		t.Run(string(op), func(t *testing.T) {
			_, err := Transition(Input{Snapshot: ir.NewSnapshot("k1"), Operation: op, Now: now})
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}

func TestTransition_ReceivePayload(t *testing.T) {
	snap := initialized(ir.Connected, 4)

	res := apply(t, snap, ir.OpReceivePayload, ir.Args{ir.ArgPayload: "data"})

	assert.Equal(t, ir.Connected, res.Snapshot.Status)
	assert.Equal(t, int64(5), res.Snapshot.Version)
	assert.Equal(t, []Effect{{Kind: EffectDeliverPayload, Payload: "data"}}, res.Effects)
	assert.Nil(t, res.Timer)
}

func TestTransition_ReceivePayloadWhileNotConnected(t *testing.T) {
	res := apply(t, ir.NewSnapshot("k1"), ir.OpReceivePayload, ir.Args{ir.ArgPayload: ""})

	assert.Equal(t, ir.NotConnected, res.Snapshot.Status)
	assert.Len(t, res.Effects, 1)
}

func TestTransition_ReceivePayloadMissingArgument(t *testing.T) {
	_, err := Transition(Input{Snapshot: initialized(ir.Connected, 1), Operation: ir.OpReceivePayload, Now: now})
	assert.ErrorIs(t, err, ErrMissingArgument)
}

func TestTransition_Disconnect(t *testing.T) {
	for _, from := range []ir.ConnectionStatus{ir.NotConnected, ir.AwaitingConnectionEstablish, ir.Connected} {
		t.Run(from.String(), func(t *testing.T) {
			res := apply(t, initialized(from, 1), ir.OpDisconnect, nil)
			assert.Equal(t, ir.NotConnected, res.Snapshot.Status)
			assert.Equal(t, []Effect{{Kind: EffectNotifyDisconnect}}, res.Effects)
		})
	}
}

func TestTransition_DisconnectUninitialized(t *testing.T) {
	res := apply(t, ir.NewSnapshot("k1"), ir.OpDisconnect, nil)

	assert.Nil(t, res.Snapshot.InitializedAt)
	assert.Equal(t, ir.NotConnected, res.Snapshot.Status)
}

func TestTransition_HealthCheckWhileConnectedReschedules(t *testing.T) {
	res := apply(t, initialized(ir.Connected, 3), ir.OpHealthCheck, nil)

	assert.Equal(t, ir.Connected, res.Snapshot.Status)
	require.NotNil(t, res.Timer)
	assert.True(t, now.Add(10*time.Second).Equal(res.Timer.FireAt))
	assert.Equal(t, ir.OpHealthCheck, res.Timer.Operation)
}

func TestTransition_HealthCheckSuspendsWhenNotConnected(t *testing.T) {
	for _, from := range []ir.ConnectionStatus{ir.NotConnected, ir.AwaitingConnectionEstablish} {
		t.Run(from.String(), func(t *testing.T) {
			res := apply(t, initialized(from, 3), ir.OpHealthCheck, nil)
			assert.Nil(t, res.Timer)
			assert.Equal(t, from, res.Snapshot.Status)
			assert.True(t, res.Changed)
			require.Len(t, res.Notes, 1)
			assert.Contains(t, res.Notes[0], "Suspending health checks")
		})
	}
}

func TestTransition_UnknownOperation(t *testing.T) {
	_, err := Transition(Input{Snapshot: initialized(ir.Connected, 1), Operation: "Reboot", Now: now})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	snap := ir.NewSnapshot("k1")

	_ = apply(t, snap, ir.OpInitialize, nil)

	assert.Nil(t, snap.InitializedAt)
	assert.Equal(t, int64(0), snap.Version)
}

func TestTransition_Deterministic(t *testing.T) {
	in := Input{Snapshot: initialized(ir.Connected, 7), Operation: ir.OpHealthCheck, Now: now}

	a, err := Transition(in)
	require.NoError(t, err)
	b, err := Transition(in)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

// The k1 start sequence lands in Connected with one timer at initializedAt+10s.
func TestTransition_StartSequence(t *testing.T) {
	snap := ir.NewSnapshot("k1")
	var timer *TimerRequest
	for _, op := range []ir.OperationName{ir.OpInitialize, ir.OpRequestStartConnection, ir.OpEstablishConnection} {
		res := apply(t, snap, op, nil)
		snap = res.Snapshot
		if res.Timer != nil {
			timer = res.Timer
		}
	}

	assert.Equal(t, ir.Connected, snap.Status)
	assert.Equal(t, int64(3), snap.Version)
	require.NotNil(t, timer)
	assert.True(t, snap.InitializedAt.Add(10*time.Second).Equal(timer.FireAt))
}
