package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/roach88/connentity/internal/ir"
)

// DefaultHealthCheckInterval is the health check period when none is configured.
const DefaultHealthCheckInterval = 10 * time.Second

var (
	// ErrUnknownOperation is returned for an operation name outside ir.Operations.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrNotInitialized is returned when an operation needs initializedAt.
	ErrNotInitialized = errors.New("entity not initialized")

	// ErrMissingArgument is returned when a required argument is absent.
	ErrMissingArgument = errors.New("missing argument")
)

// EffectKind names an outbound side effect.
type EffectKind string

const (
	EffectRequestConnect   EffectKind = "RequestConnect"
	EffectNotifyDisconnect EffectKind = "NotifyDisconnect"
	EffectDeliverPayload   EffectKind = "DeliverPayload"
)

// Effect is a side effect the runtime performs after the transition commits.
type Effect struct {
	Kind    EffectKind
	Payload string // DeliverPayload only
}

// TimerRequest asks the runtime to register a timer with the commit.
// The runtime fills in the timer ID and creator.
type TimerRequest struct {
	FireAt    time.Time
	Key       ir.EntityKey
	Operation ir.OperationName
	Args      ir.Args
}

// Input is everything a transition may depend on.
type Input struct {
	Snapshot  ir.Snapshot
	Operation ir.OperationName
	Args      ir.Args
	Now       time.Time

	// HealthCheckInterval defaults to DefaultHealthCheckInterval when zero.
	HealthCheckInterval time.Duration
}

// Result is the outcome of a transition.
type Result struct {
	// Snapshot is the candidate state. When Changed is true its Version is
	// the input version plus one.
	Snapshot ir.Snapshot

	// Changed is false only for a duplicate Initialize, which commits nothing.
	Changed bool

	Effects []Effect
	Timer   *TimerRequest

	// Notes are human-readable log messages describing what happened.
	Notes []string
}

// Status events. Every event is legal from every state.
const (
	eventRequestStart = "request_start"
	eventEstablish    = "establish"
	eventDisconnect   = "disconnect"
)

var allStatuses = []string{
	ir.NotConnected.String(),
	ir.AwaitingConnectionEstablish.String(),
	ir.Connected.String(),
}

var statusEvents = fsm.Events{
	{Name: eventRequestStart, Src: allStatuses, Dst: ir.AwaitingConnectionEstablish.String()},
	{Name: eventEstablish, Src: allStatuses, Dst: ir.Connected.String()},
	{Name: eventDisconnect, Src: allStatuses, Dst: ir.NotConnected.String()},
}

// moveStatus runs event against the status table starting at from.
func moveStatus(from ir.ConnectionStatus, event string) (ir.ConnectionStatus, error) {
	machine := fsm.NewFSM(from.String(), statusEvents, fsm.Callbacks{})
	if err := machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return from, fmt.Errorf("status %s on %s: %w", from, event, err)
		}
	}
	return ir.ParseConnectionStatus(machine.Current())
}

// Transition computes the next state of an entity.
//
// The returned error is one of ErrUnknownOperation, ErrNotInitialized or
// ErrMissingArgument (wrapped); on error the snapshot must not be committed.
func Transition(in Input) (Result, error) {
	if !in.Operation.Known() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, in.Operation)
	}
	interval := in.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	key := in.Snapshot.Key
	next := in.Snapshot
	next.Version = in.Snapshot.Version + 1
	res := Result{Snapshot: next, Changed: true}

	var event string
	switch in.Operation {
	case ir.OpInitialize:
		if in.Snapshot.Initialized() {
			res.Snapshot = in.Snapshot
			res.Changed = false
			res.Notes = append(res.Notes, "Entity is already initialized.")
			return res, nil
		}
		now := in.Now.UTC()
		res.Snapshot.InitializedAt = &now
		res.Snapshot.Status = ir.NotConnected
		res.Notes = append(res.Notes, "Initialising entity.")

	case ir.OpRequestStartConnection:
		if !in.Snapshot.Initialized() {
			return Result{}, fmt.Errorf("%s: %w", in.Operation, ErrNotInitialized)
		}
		event = eventRequestStart
		res.Effects = append(res.Effects, Effect{Kind: EffectRequestConnect})
		res.Notes = append(res.Notes,
			"Connection request sent. Waiting for connection to be established by provider.")

	case ir.OpEstablishConnection:
		if !in.Snapshot.Initialized() {
			return Result{}, fmt.Errorf("%s: %w", in.Operation, ErrNotInitialized)
		}
		event = eventEstablish
		res.Timer = &TimerRequest{
			FireAt:    in.Snapshot.InitializedAt.Add(interval).UTC(),
			Key:       key,
			Operation: ir.OpHealthCheck,
			Args:      ir.Args{},
		}
		res.Notes = append(res.Notes, "Received connection confirmation from provider.")

	case ir.OpReceivePayload:
		payload, ok := in.Args.Get(ir.ArgPayload)
		if !ok {
			return Result{}, fmt.Errorf("%s: %w %q", in.Operation, ErrMissingArgument, ir.ArgPayload)
		}
		res.Effects = append(res.Effects, Effect{Kind: EffectDeliverPayload, Payload: payload})
		res.Notes = append(res.Notes, "Received payload: "+payload)

	case ir.OpDisconnect:
		event = eventDisconnect
		res.Effects = append(res.Effects, Effect{Kind: EffectNotifyDisconnect})

	case ir.OpHealthCheck:
		if in.Snapshot.Status != ir.Connected {
			res.Notes = append(res.Notes,
				"Suspending health checks because connection is not yet established.")
			break
		}
		res.Timer = &TimerRequest{
			FireAt:    in.Now.Add(interval).UTC(),
			Key:       key,
			Operation: ir.OpHealthCheck,
			Args:      ir.Args{},
		}
		res.Notes = append(res.Notes, "Checking health status...")
	}

	if event != "" {
		status, err := moveStatus(in.Snapshot.Status, event)
		if err != nil {
			return Result{}, err
		}
		res.Snapshot.Status = status
	}

	if err := res.Snapshot.Validate(); err != nil {
		return Result{}, fmt.Errorf("%s: %w", in.Operation, err)
	}
	return res, nil
}
