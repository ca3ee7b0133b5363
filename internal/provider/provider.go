// Package provider defines the outbound side-effect hooks of a connection.
//
// The runtime calls these after a transition has committed. A failed call is
// logged and not retried: effects are at-most-once, matching the fire-and-forget
// behavior of the provider integration.
package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/connentity/internal/ir"
)

// Provider is the external system a connection is established with.
type Provider interface {
	// RequestConnect asks the provider to establish a connection for key.
	RequestConnect(ctx context.Context, key ir.EntityKey) error

	// NotifyDisconnect advises the provider that key is disconnected.
	NotifyDisconnect(ctx context.Context, key ir.EntityKey) error
}

// Sink receives payloads delivered over a connection.
type Sink interface {
	Deliver(ctx context.Context, key ir.EntityKey, payload string) error
}

// Log is a mock Provider and Sink that only writes log lines.
type Log struct {
	Logger *slog.Logger
}

// NewLog returns a Log writing to logger, or slog.Default() when nil.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) RequestConnect(ctx context.Context, key ir.EntityKey) error {
	l.Logger.InfoContext(ctx, "MOCK: Make external HTTP call to provider, requesting that a connection be established.",
		"entity_key", key)
	return nil
}

func (l *Log) NotifyDisconnect(ctx context.Context, key ir.EntityKey) error {
	l.Logger.InfoContext(ctx, "MOCK: Make external HTTP call to provider, advising that the connection is disconnected.",
		"entity_key", key)
	return nil
}

func (l *Log) Deliver(ctx context.Context, key ir.EntityKey, payload string) error {
	l.Logger.InfoContext(ctx, "payload delivered", "entity_key", key, "payload", payload)
	return nil
}

// Call is one recorded hook invocation.
type Call struct {
	Hook    string
	Key     ir.EntityKey
	Payload string
}

// Recorder is a Provider and Sink that records every call. Err, when set,
// is returned from every hook after recording. Safe for concurrent use.
type Recorder struct {
	Err error

	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Err
}

func (r *Recorder) RequestConnect(_ context.Context, key ir.EntityKey) error {
	return r.record(Call{Hook: "RequestConnect", Key: key})
}

func (r *Recorder) NotifyDisconnect(_ context.Context, key ir.EntityKey) error {
	return r.record(Call{Hook: "NotifyDisconnect", Key: key})
}

func (r *Recorder) Deliver(_ context.Context, key ir.EntityKey, payload string) error {
	return r.record(Call{Hook: "Deliver", Key: key, Payload: payload})
}

// Calls returns a copy of the recorded calls in call order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
