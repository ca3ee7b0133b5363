// Package coordinator runs the caller-facing workflows that drive connection
// entities: each workflow is a short, ordered sequence of entity operations.
//
// A workflow awaits every operation before submitting the next one and stops
// at the first error. Operations already committed by a failed workflow stay
// committed.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
)

// DefaultKey is the entity key used when a workflow is started without one.
const DefaultKey ir.EntityKey = "Provider1"

// Workflow names, as recorded on Instance.Name.
const (
	WorkflowStartConnection     = "StartConnection"
	WorkflowEstablishConnection = "EstablishConnection"
	WorkflowReceivePayload      = "ReceivePayload"
	WorkflowDisconnect          = "Disconnect"
)

// Runtime is the part of *engine.Runtime the coordinator needs.
type Runtime interface {
	Do(ctx context.Context, key ir.EntityKey, op ir.OperationName, args ir.Args) (engine.Outcome, error)
}

// Instance identifies one workflow run.
type Instance struct {
	ID   string
	Name string
	Key  ir.EntityKey

	// Outcomes holds one entry per operation that completed, in order.
	Outcomes []engine.Outcome
}

type step struct {
	op   ir.OperationName
	args ir.Args
}

// Coordinator starts workflows against a runtime.
type Coordinator struct {
	rt     Runtime
	ids    engine.IDGenerator
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator sets the instance ID generator. Default: engine.UUIDv7Generator.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator over rt.
func New(rt Runtime, opts ...Option) *Coordinator {
	c := &Coordinator{
		rt:     rt,
		ids:    engine.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartConnection initializes the entity and asks the provider to connect.
func (c *Coordinator) StartConnection(ctx context.Context, key ir.EntityKey) (Instance, error) {
	return c.run(ctx, WorkflowStartConnection, key,
		step{op: ir.OpInitialize},
		step{op: ir.OpRequestStartConnection},
	)
}

// EstablishConnection records the provider's confirmation.
func (c *Coordinator) EstablishConnection(ctx context.Context, key ir.EntityKey) (Instance, error) {
	return c.run(ctx, WorkflowEstablishConnection, key, step{op: ir.OpEstablishConnection})
}

// ReceivePayload hands payload to the entity for delivery.
func (c *Coordinator) ReceivePayload(ctx context.Context, key ir.EntityKey, payload string) (Instance, error) {
	return c.run(ctx, WorkflowReceivePayload, key,
		step{op: ir.OpReceivePayload, args: ir.Args{ir.ArgPayload: payload}},
	)
}

// Disconnect tears the connection down.
func (c *Coordinator) Disconnect(ctx context.Context, key ir.EntityKey) (Instance, error) {
	return c.run(ctx, WorkflowDisconnect, key, step{op: ir.OpDisconnect})
}

func (c *Coordinator) run(ctx context.Context, name string, key ir.EntityKey, steps ...step) (Instance, error) {
	if key == "" {
		key = DefaultKey
	}
	inst := Instance{ID: c.ids.Generate(), Name: name, Key: key}
	logger := c.logger.With("instance_id", inst.ID, "workflow", name, "entity_key", key)
	logger.Debug("workflow started")

	for _, s := range steps {
		out, err := c.rt.Do(ctx, key, s.op, s.args)
		if err != nil {
			logger.Warn("workflow failed", "operation", s.op, "error", err)
			return inst, fmt.Errorf("%s %s: %s: %w", name, key, s.op, err)
		}
		inst.Outcomes = append(inst.Outcomes, out)
	}

	logger.Info("workflow completed", "operations", len(inst.Outcomes))
	return inst, nil
}
