package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/provider"
	"github.com/roach88/connentity/internal/store"
	"github.com/roach88/connentity/internal/testutil"
)

// Harness executes one scenario. It owns a scratch database, the fake clock
// and the runtime built over them.
type Harness struct {
	scenario *Scenario
	dbPath   string
	clock    *testutil.FakeClock
	ids      *testutil.SequentialIDs
	recorder *provider.Recorder
	logger   *slog.Logger

	store *store.Store
	rt    *engine.Runtime
	sched *engine.Scheduler
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger routes runtime logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns its result.
//
// The returned error reports a harness failure (the database could not be
// opened, a store call failed). Unmet expectations are reported through
// Result.Errors instead.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	dir, err := os.MkdirTemp("", "connentity-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		scenario: scenario,
		dbPath:   filepath.Join(dir, "scenario.db"),
		clock:    testutil.NewFakeClock(scenario.StartTime()),
		ids:      testutil.NewSequentialIDs("op"),
		recorder: &provider.Recorder{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	ctx := context.Background()
	if err := h.open(); err != nil {
		return nil, err
	}
	defer h.close(ctx)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return result, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return result, nil
}

func (h *Harness) open() error {
	st, err := store.Open(h.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	h.store = st
	h.rt = engine.New(st,
		engine.WithWallClock(h.clock),
		engine.WithHealthCheckInterval(h.scenario.Interval()),
		engine.WithProvider(h.recorder),
		engine.WithSink(h.recorder),
		engine.WithIDGenerator(h.ids),
		engine.WithLogger(h.logger),
	)
	h.sched = engine.NewScheduler(st, h.rt)
	return nil
}

func (h *Harness) close(ctx context.Context) error {
	rtErr := h.rt.Close(ctx)
	stErr := h.store.Close()
	return errors.Join(rtErr, stErr)
}

func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	switch {
	case step.Call != nil:
		return h.call(ctx, index, step, result)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		return h.advance(ctx, d, result)
	case step.Restart:
		return h.restart(ctx, result)
	case step.Expect != nil:
		for _, msg := range h.check(ctx, index, *step.Expect) {
			result.AddError(msg)
		}
	}
	return nil
}

func (h *Harness) call(ctx context.Context, index int, step Step, result *Result) error {
	c := step.Call
	key := ir.EntityKey(c.Key)
	op := ir.OperationName(c.Operation)

	var args ir.Args
	if c.Args != nil {
		args = ir.Args(c.Args)
	}
	out, err := h.rt.Do(ctx, key, op, args)

	var re *engine.RuntimeError
	switch {
	case err == nil:
		if step.Error != "" {
			result.AddError(fmt.Sprintf("steps[%d]: %s %s: expected %s, got success", index, key, op, step.Error))
		}
		result.Trace = append(result.Trace, h.event(EventCall, key, op, out))
		return nil
	case errors.As(err, &re) && engine.IsInvalidOperation(err):
		if step.Error != string(re.Code) {
			want := step.Error
			if want == "" {
				want = "success"
			}
			result.AddError(fmt.Sprintf("steps[%d]: %s %s: expected %s, got %s", index, key, op, want, re.Code))
		}
		result.Trace = append(result.Trace, TraceEvent{
			At:        h.clock.Now(),
			Kind:      EventCall,
			Key:       key,
			Operation: op,
			Outcome:   OutcomeRejected,
			Code:      string(re.Code),
		})
		return nil
	default:
		return fmt.Errorf("%s %s: %w", key, op, err)
	}
}

// advance moves the clock by d, stopping at every timer fire time on the
// way so each timer fires at its own instant.
func (h *Harness) advance(ctx context.Context, d time.Duration, result *Result) error {
	target := h.clock.Now().Add(d)
	for {
		next, ok, err := h.store.NextTimer(ctx)
		if err != nil {
			return err
		}
		if !ok || next.FireAt.After(target) {
			break
		}
		h.clock.Set(next.FireAt)

		tickets, err := h.sched.FireDue(ctx)
		if err != nil {
			return err
		}
		if err := h.await(ctx, tickets, result); err != nil {
			return err
		}
	}
	h.clock.Set(target)
	return nil
}

// restart drops the runtime, reopens the store from disk and resubmits
// fired timers left in the inbox.
func (h *Harness) restart(ctx context.Context, result *Result) error {
	if err := h.close(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := h.open(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	tickets, err := h.rt.Recover(ctx)
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	result.Trace = append(result.Trace, TraceEvent{
		At:        h.clock.Now(),
		Kind:      EventRestart,
		Recovered: len(tickets),
	})
	return h.await(ctx, tickets, result)
}

// await waits for timer operations in submission order and traces them.
func (h *Harness) await(ctx context.Context, tickets []*engine.Ticket, result *Result) error {
	for _, t := range tickets {
		out, err := t.Wait(ctx)
		if err != nil {
			return fmt.Errorf("timer %s %s: %w", t.Key, t.Operation, err)
		}
		result.Trace = append(result.Trace, h.event(EventTimer, t.Key, t.Operation, out))
	}
	return nil
}

func (h *Harness) event(kind string, key ir.EntityKey, op ir.OperationName, out engine.Outcome) TraceEvent {
	ev := TraceEvent{
		At:        h.clock.Now(),
		Kind:      kind,
		Key:       key,
		Operation: op,
		Version:   out.Snapshot.Version,
		Status:    out.Snapshot.Status,
	}
	switch {
	case out.Duplicate:
		ev.Outcome = OutcomeDuplicate
	case out.Committed:
		ev.Outcome = OutcomeCommitted
	default:
		ev.Outcome = OutcomeNoop
	}
	if out.Timer != nil {
		fireAt := out.Timer.FireAt
		ev.Timer = &fireAt
	}
	for _, e := range out.Effects {
		ev.Effects = append(ev.Effects, string(e.Kind))
	}
	return ev
}
