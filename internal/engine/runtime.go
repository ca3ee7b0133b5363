package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/roach88/connentity/internal/entity"
	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/provider"
	"github.com/roach88/connentity/internal/store"
)

// Store is the persistence the runtime needs. Implemented by *store.Store.
type Store interface {
	LoadSnapshot(ctx context.Context, key ir.EntityKey) (ir.Snapshot, bool, error)
	CommitTransition(ctx context.Context, c store.Commit) error
	ListInbox(ctx context.Context) ([]ir.InboxEntry, error)
	DeleteInbox(ctx context.Context, id int64) (bool, error)
}

// DispatchObserver is notified around every dispatch. Calls for one key are
// never concurrent; calls for different keys may be.
type DispatchObserver interface {
	DispatchStarted(op ir.PendingOperation)
	DispatchFinished(op ir.PendingOperation)
}

// Outcome describes what a dispatched operation did.
type Outcome struct {
	Seq         int64
	OperationID string

	// Snapshot is the entity state after the operation.
	Snapshot ir.Snapshot

	// Committed is true when a new version was persisted. It is false for a
	// duplicate Initialize and for an inbox entry that was already applied.
	Committed bool

	// Duplicate is true when the operation was a fired timer whose inbox
	// entry had already been committed.
	Duplicate bool

	Timer   *ir.ScheduledTimer
	Effects []entity.Effect
	Notes   []string
}

// Ticket is the caller's handle on an enqueued operation.
type Ticket struct {
	Seq       int64
	Key       ir.EntityKey
	Operation ir.OperationName

	done    chan struct{}
	outcome Outcome
	err     error
}

func newTicket(op ir.PendingOperation) *Ticket {
	return &Ticket{Seq: op.Seq, Key: op.Key, Operation: op.Operation, done: make(chan struct{})}
}

func (t *Ticket) resolve(o Outcome, err error) {
	t.outcome = o
	t.err = err
	close(t.done)
}

// Done is closed once the operation has been dispatched.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the operation has been dispatched or ctx is done.
// Cancelling ctx abandons the wait, not the operation.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-t.done:
		return t.outcome, t.err
	}
}

type job struct {
	op     ir.PendingOperation
	ticket *Ticket
}

// worker owns the queue and cached snapshot of one key while it drains.
type worker struct {
	key    ir.EntityKey
	queue  *opQueue
	snap   ir.Snapshot
	loaded bool
}

// Runtime is the per-key actor runtime.
//
// Thread-safety model:
//   - Enqueue(), EnqueueInbox(), Do(), Recover(): safe from any goroutine
//   - one worker goroutine per active key performs every dispatch for that key
//   - Close(): safe from any goroutine, idempotent
type Runtime struct {
	store    Store
	seq      sequence
	wall     WallClock
	interval time.Duration
	retry    RetryPolicy
	provider provider.Provider
	sink     provider.Sink
	metrics  *Metrics
	ids      IDGenerator
	observer DispatchObserver
	logger   *slog.Logger

	// ctx bounds worker activity; cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[ir.EntityKey]*worker
	inbox    map[int64]*Ticket // inbox entries queued or in flight
	notify   func(time.Time)
	idle     chan struct{} // closed while no worker is running
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithWallClock sets the source of "now". Default: SystemClock.
func WithWallClock(c WallClock) Option {
	return func(r *Runtime) { r.wall = c }
}

// WithHealthCheckInterval sets the health check period.
// Default: entity.DefaultHealthCheckInterval.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(r *Runtime) { r.interval = d }
}

// WithRetryPolicy sets the commit retry budget. Default: DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runtime) { r.retry = p.normalized() }
}

// WithProvider sets the connection provider hook. Default: provider.Log.
func WithProvider(p provider.Provider) Option {
	return func(r *Runtime) { r.provider = p }
}

// WithSink sets the payload sink hook. Default: provider.Log.
func WithSink(s provider.Sink) Option {
	return func(r *Runtime) { r.sink = s }
}

// WithMetrics sets the Prometheus collectors. Default: unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTimerNotifier registers fn to be called with the fire time of every
// committed timer. NewScheduler installs its Notify here.
func WithTimerNotifier(fn func(fireAt time.Time)) Option {
	return func(r *Runtime) { r.notify = fn }
}

// WithIDGenerator sets the operation ID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Runtime) { r.ids = g }
}

// WithDispatchObserver installs an observer called around each dispatch.
func WithDispatchObserver(o DispatchObserver) Option {
	return func(r *Runtime) { r.observer = o }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New creates a Runtime over st. No goroutines run until work is enqueued.
func New(st Store, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	r := &Runtime{
		store:    st,
		wall:     SystemClock{},
		interval: entity.DefaultHealthCheckInterval,
		retry:    DefaultRetryPolicy,
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[ir.EntityKey]*worker),
		inbox:    make(map[int64]*Ticket),
		idle:     idle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.provider == nil || r.sink == nil {
		mock := provider.NewLog(r.logger)
		if r.provider == nil {
			r.provider = mock
		}
		if r.sink == nil {
			r.sink = mock
		}
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// setTimerNotifier replaces the notifier after construction.
func (r *Runtime) setTimerNotifier(fn func(time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// Enqueue submits an operation for key and returns its ticket.
//
// Malformed input (empty key, unknown operation, ReceivePayload without a
// payload) is rejected synchronously with an INVALID_OPERATION error.
// Operations that need initialization are rejected when dispatched.
func (r *Runtime) Enqueue(ctx context.Context, key ir.EntityKey, op ir.OperationName, args ir.Args) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCall(key, op, args); err != nil {
		r.metrics.Operations.WithLabelValues(string(op), outcomeRejected).Inc()
		return nil, err
	}
	return r.enqueue(ir.PendingOperation{
		Key:       key,
		Operation: op,
		Args:      args.Clone(),
		Source:    ir.SourceCaller,
	})
}

// Do is Enqueue followed by Wait.
func (r *Runtime) Do(ctx context.Context, key ir.EntityKey, op ir.OperationName, args ir.Args) (Outcome, error) {
	t, err := r.Enqueue(ctx, key, op, args)
	if err != nil {
		return Outcome{}, err
	}
	return t.Wait(ctx)
}

// EnqueueInbox submits a fired timer. An inbox entry that is already queued
// or running returns the existing ticket.
func (r *Runtime) EnqueueInbox(ctx context.Context, e ir.InboxEntry) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCall(e.Key, e.Operation, e.Args); err != nil {
		return nil, err
	}
	return r.enqueue(ir.PendingOperation{
		Key:       e.Key,
		Operation: e.Operation,
		Args:      e.Args.Clone(),
		Source:    ir.SourceTimer,
		InboxID:   e.ID,
	})
}

func validateCall(key ir.EntityKey, op ir.OperationName, args ir.Args) error {
	if err := key.Validate(); err != nil {
		return &RuntimeError{Code: ErrCodeInvalidOperation, Message: err.Error(), Key: key, Operation: op}
	}
	if !op.Known() {
		return &RuntimeError{
			Code:      ErrCodeInvalidOperation,
			Message:   fmt.Sprintf("unknown operation %q", op),
			Key:       key,
			Operation: op,
			Err:       entity.ErrUnknownOperation,
		}
	}
	if op == ir.OpReceivePayload {
		if _, ok := args.Get(ir.ArgPayload); !ok {
			return &RuntimeError{
				Code:      ErrCodeInvalidOperation,
				Message:   fmt.Sprintf("missing argument %q", ir.ArgPayload),
				Key:       key,
				Operation: op,
				Err:       entity.ErrMissingArgument,
			}
		}
	}
	return nil
}

// enqueue assigns seq and appends under r.mu, so seq order is queue order.
func (r *Runtime) enqueue(op ir.PendingOperation) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, newStoppedError(op.Key, op.Operation)
	}
	if op.InboxID != 0 {
		if t, ok := r.inbox[op.InboxID]; ok {
			return t, nil
		}
	}

	op.Seq = r.seq.next()
	op.ID = r.ids.Generate()
	t := newTicket(op)
	j := &job{op: op, ticket: t}

	w, ok := r.workers[op.Key]
	if !ok {
		w = &worker{key: op.Key, queue: newOpQueue()}
		if len(r.workers) == 0 {
			r.idle = make(chan struct{})
		}
		r.workers[op.Key] = w
		r.metrics.ActiveEntities.Inc()
		r.inflight.Add(1)
		go r.drain(w)
	}
	w.queue.Enqueue(j)
	if op.InboxID != 0 {
		r.inbox[op.InboxID] = t
	}

	r.logger.Debug("operation enqueued",
		"entity_key", op.Key,
		"operation", op.Operation,
		"seq", op.Seq,
		"source", op.Source,
	)
	return t, nil
}

// drain runs one key's operations until its queue is empty.
func (r *Runtime) drain(w *worker) {
	defer r.inflight.Done()
	for {
		r.mu.Lock()
		j, ok := w.queue.TryDequeue()
		if !ok {
			delete(r.workers, w.key)
			r.metrics.ActiveEntities.Dec()
			if len(r.workers) == 0 {
				close(r.idle)
			}
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.process(w, j)
	}
}

func (r *Runtime) process(w *worker, j *job) {
	op := j.op
	if r.observer != nil {
		r.observer.DispatchStarted(op)
	}

	outcome, err := r.dispatch(w, op)

	label := outcomeCommitted
	switch {
	case IsInvalidOperation(err):
		label = outcomeRejected
	case err != nil:
		label = outcomeFailed
	case outcome.Duplicate:
		label = outcomeDuplicate
	case !outcome.Committed:
		label = outcomeNoop
	}
	r.metrics.Operations.WithLabelValues(string(op.Operation), label).Inc()

	if r.observer != nil {
		r.observer.DispatchFinished(op)
	}

	if op.InboxID != 0 {
		r.mu.Lock()
		delete(r.inbox, op.InboxID)
		r.mu.Unlock()
	}
	j.ticket.resolve(outcome, err)
}

// dispatch computes and commits one operation, then performs its effects.
func (r *Runtime) dispatch(w *worker, op ir.PendingOperation) (Outcome, error) {
	ctx := r.ctx
	logger := r.logger.With("entity_key", op.Key, "operation", op.Operation, "seq", op.Seq)
	out := Outcome{Seq: op.Seq, OperationID: op.ID}

	var (
		res       entity.Result
		timer     *ir.ScheduledTimer
		retryable bool
	)
	attempt := func() error {
		retryable = false
		if !w.loaded {
			snap, found, err := r.store.LoadSnapshot(ctx, w.key)
			if err != nil {
				if store.IsTransient(err) {
					retryable = true
					return err
				}
				return backoff.Permanent(err)
			}
			if !found {
				snap = ir.NewSnapshot(w.key)
			}
			w.snap = snap
			w.loaded = true
		}

		now := r.wall.Now()
		var err error
		res, err = entity.Transition(entity.Input{
			Snapshot:            w.snap,
			Operation:           op.Operation,
			Args:                op.Args,
			Now:                 now,
			HealthCheckInterval: r.interval,
		})
		if err != nil {
			return backoff.Permanent(rejection(op, err))
		}

		if !res.Changed {
			if op.InboxID == 0 {
				return nil
			}
			if _, err := r.store.DeleteInbox(ctx, op.InboxID); err != nil {
				if store.IsTransient(err) {
					retryable = true
					return err
				}
				return backoff.Permanent(err)
			}
			return nil
		}

		timer = nil
		if res.Timer != nil {
			timer = scheduledTimer(op.Key, res.Snapshot.Version, res.Timer)
		}
		err = r.store.CommitTransition(ctx, store.Commit{
			Key:             op.Key,
			ExpectedVersion: w.snap.Version,
			Snapshot:        res.Snapshot,
			Timer:           timer,
			ConsumedInboxID: op.InboxID,
			Record: ir.OperationRecord{
				OperationID: op.ID,
				Operation:   op.Operation,
				Args:        op.Args,
				Source:      op.Source,
				CommittedAt: now,
			},
		})
		switch {
		case err == nil:
			w.snap = res.Snapshot
			return nil
		case store.IsInboxConsumed(err):
			out.Duplicate = true
			out.Snapshot = w.snap
			w.loaded = false
			return nil
		case store.IsConflict(err):
			retryable = true
			w.loaded = false
			return err
		case store.IsTransient(err):
			retryable = true
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, next time.Duration) {
		reason := "transient"
		if store.IsConflict(err) {
			reason = "conflict"
		}
		r.metrics.CommitRetries.WithLabelValues(reason).Inc()
		logger.Debug("retrying commit", "reason", reason, "backoff", next, "error", err)
	}

	if err := backoff.RetryNotify(attempt, r.retry.newBackOff(ctx), notify); err != nil {
		// A failed attempt may have left the cached snapshot stale.
		w.loaded = false
		var re *RuntimeError
		switch {
		case errors.As(err, &re):
			logger.Info("operation rejected", "code", re.Code, "error", re.Err)
			return out, err
		case ctx.Err() != nil:
			return out, &RuntimeError{Code: ErrCodeStopped, Message: "runtime closed during commit",
				Key: op.Key, Operation: op.Operation, Err: err}
		case retryable:
			logger.Error("commit retries exhausted", "attempts", r.retry.MaxAttempts, "error", err)
			return out, &RuntimeError{Code: ErrCodeRetriesExhausted,
				Message: fmt.Sprintf("commit failed after %d attempts", r.retry.MaxAttempts),
				Key:     op.Key, Operation: op.Operation, Err: err}
		default:
			logger.Error("commit failed", "error", err)
			return out, fmt.Errorf("dispatch %s %s: %w", op.Key, op.Operation, err)
		}
	}

	if out.Duplicate {
		logger.Info("inbox entry already applied", "inbox_id", op.InboxID)
		return out, nil
	}

	out.Notes = res.Notes
	for _, note := range res.Notes {
		logger.Info(note)
	}
	if !res.Changed {
		out.Snapshot = w.snap
		return out, nil
	}

	out.Committed = true
	out.Snapshot = res.Snapshot
	out.Timer = timer
	out.Effects = res.Effects
	logger.Debug("transition committed",
		"version", res.Snapshot.Version,
		"status", res.Snapshot.Status,
	)

	if timer != nil {
		r.mu.Lock()
		notifyTimer := r.notify
		r.mu.Unlock()
		if notifyTimer != nil {
			notifyTimer(timer.FireAt)
		}
	}

	r.perform(ctx, logger, op.Key, res.Effects)
	return out, nil
}

// perform runs committed side effects. Failures are logged, not retried.
func (r *Runtime) perform(ctx context.Context, logger *slog.Logger, key ir.EntityKey, effects []entity.Effect) {
	for _, e := range effects {
		var err error
		switch e.Kind {
		case entity.EffectRequestConnect:
			err = r.provider.RequestConnect(ctx, key)
		case entity.EffectNotifyDisconnect:
			err = r.provider.NotifyDisconnect(ctx, key)
		case entity.EffectDeliverPayload:
			err = r.sink.Deliver(ctx, key, e.Payload)
		}
		if err != nil {
			logger.Warn("side effect failed", "effect", e.Kind, "error", err)
		}
	}
}

func rejection(op ir.PendingOperation, err error) *RuntimeError {
	code := ErrCodeInvalidOperation
	if errors.Is(err, entity.ErrNotInitialized) {
		code = ErrCodeNotInitialized
	}
	return &RuntimeError{
		Code:      code,
		Message:   "operation rejected",
		Key:       op.Key,
		Operation: op.Operation,
		Err:       err,
	}
}

// scheduledTimer turns a timer request into its durable, content-addressed form.
func scheduledTimer(creator ir.EntityKey, version int64, req *entity.TimerRequest) *ir.ScheduledTimer {
	t := ir.ScheduledTimer{
		FireAt:           req.FireAt.UTC(),
		Key:              req.Key,
		Operation:        req.Operation,
		Args:             req.Args.Clone(),
		CreatedByKey:     creator,
		CreatedByVersion: version,
	}
	t.ID = ir.TimerID(t)
	return &t
}

// Recover enqueues every inbox entry: timers that fired but whose operation
// was never committed. Safe to call repeatedly; an entry that is already
// queued yields its existing ticket.
func (r *Runtime) Recover(ctx context.Context) ([]*Ticket, error) {
	entries, err := r.store.ListInbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	tickets := make([]*Ticket, 0, len(entries))
	for _, e := range entries {
		t, err := r.EnqueueInbox(ctx, e)
		if err != nil {
			return tickets, fmt.Errorf("recover inbox %d: %w", e.ID, err)
		}
		tickets = append(tickets, t)
	}
	if len(entries) > 0 {
		r.logger.Info("recovered fired timers", "count", len(entries))
	}
	return tickets, nil
}

// WaitIdle blocks until no key has a running worker or ctx is done.
func (r *Runtime) WaitIdle(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// Close stops accepting work, fails queued operations that have not started
// with STOPPED, and waits for running dispatches to finish. If ctx expires
// first, in-flight commit retries are abandoned.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var stopped []*job
	for _, w := range r.workers {
		stopped = append(stopped, w.queue.Close()...)
	}
	r.mu.Unlock()

	for _, j := range stopped {
		r.metrics.Operations.WithLabelValues(string(j.op.Operation), outcomeFailed).Inc()
		j.ticket.resolve(Outcome{Seq: j.op.Seq, OperationID: j.op.ID}, newStoppedError(j.op.Key, j.op.Operation))
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
