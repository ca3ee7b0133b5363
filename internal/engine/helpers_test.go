package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/provider"
	"github.com/roach88/connentity/internal/store"
	"github.com/roach88/connentity/internal/testutil"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

var fastRetry = RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// fixture is a runtime + scheduler over a fresh store with a fake clock.
type fixture struct {
	store    *store.Store
	path     string
	clock    *testutil.FakeClock
	recorder *provider.Recorder
	metrics  *Metrics
	rt       *Runtime
	sched    *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := newStoppedFixture(t)
	f.start(t, f.store, opts...)
	return f
}

// newStoppedFixture opens the store but leaves starting the runtime to the
// caller, which may wrap the store first.
func newStoppedFixture(t *testing.T) *fixture {
	t.Helper()
	st, path := setupTestStore(t)
	return &fixture{
		store:    st,
		path:     path,
		clock:    testutil.NewFakeClock(t0),
		recorder: &provider.Recorder{},
		metrics:  NewMetrics(nil),
	}
}

// start builds a runtime and scheduler over st.
func (f *fixture) start(t *testing.T, st Store, opts ...Option) {
	t.Helper()
	base := []Option{
		WithWallClock(f.clock),
		WithProvider(f.recorder),
		WithSink(f.recorder),
		WithMetrics(f.metrics),
		WithRetryPolicy(fastRetry),
		WithLogger(quietLogger()),
	}
	f.rt = New(st, append(base, opts...)...)
	f.sched = NewScheduler(f.store, f.rt)
	rt := f.rt
	t.Cleanup(func() { rt.Close(context.Background()) })
}

// restart simulates a process restart: the runtime is dropped and the store
// is reopened from disk.
func (f *fixture) restart(t *testing.T, opts ...Option) {
	t.Helper()
	require.NoError(t, f.rt.Close(context.Background()))
	require.NoError(t, f.store.Close())
	st, err := store.Open(f.path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	f.store = st
	f.start(t, st, opts...)
}

func (f *fixture) do(t *testing.T, key ir.EntityKey, op ir.OperationName, args ir.Args) Outcome {
	t.Helper()
	out, err := f.rt.Do(context.Background(), key, op, args)
	require.NoError(t, err, "%s %s", key, op)
	return out
}

// advance moves the clock forward, firing every timer at its own fire time.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx := context.Background()
	target := f.clock.Now().Add(d)
	for {
		next, ok, err := f.store.NextTimer(ctx)
		require.NoError(t, err)
		if !ok || next.FireAt.After(target) {
			break
		}
		f.clock.Set(next.FireAt)
		_, err = f.sched.FireDue(ctx)
		require.NoError(t, err)
		require.NoError(t, f.rt.WaitIdle(ctx))
	}
	f.clock.Set(target)
}

func (f *fixture) snapshot(t *testing.T, key ir.EntityKey) ir.Snapshot {
	t.Helper()
	snap, found, err := f.store.LoadSnapshot(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "snapshot %s", key)
	return snap
}

func (f *fixture) timers(t *testing.T, key ir.EntityKey) []ir.ScheduledTimer {
	t.Helper()
	timers, err := f.store.ListTimers(context.Background(), key)
	require.NoError(t, err)
	return timers
}

// concurrencyObserver tracks concurrent dispatches per key.
type concurrencyObserver struct {
	mu     sync.Mutex
	active map[ir.EntityKey]int
	max    map[ir.EntityKey]int
	order  map[ir.EntityKey][]int64
}

func newConcurrencyObserver() *concurrencyObserver {
	return &concurrencyObserver{
		active: map[ir.EntityKey]int{},
		max:    map[ir.EntityKey]int{},
		order:  map[ir.EntityKey][]int64{},
	}
}

func (o *concurrencyObserver) DispatchStarted(op ir.PendingOperation) {
	o.mu.Lock()
	o.active[op.Key]++
	if o.active[op.Key] > o.max[op.Key] {
		o.max[op.Key] = o.active[op.Key]
	}
	o.order[op.Key] = append(o.order[op.Key], op.Seq)
	o.mu.Unlock()

	// Widen the window in which an overlapping dispatch would be observed.
	time.Sleep(100 * time.Microsecond)
}

func (o *concurrencyObserver) DispatchFinished(op ir.PendingOperation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[op.Key]--
}

// gateObserver blocks the first dispatch until release is closed.
type gateObserver struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGateObserver() *gateObserver {
	return &gateObserver{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateObserver) DispatchStarted(ir.PendingOperation) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
}

func (g *gateObserver) DispatchFinished(ir.PendingOperation) {}

// flakyStore wraps a store and injects commit failures.
type flakyStore struct {
	*store.Store

	mu sync.Mutex
	// busy is the number of upcoming commits that fail with SQLITE_BUSY.
	busy int
	// beforeCommit runs once before the next commit reaches the store.
	beforeCommit func(c store.Commit)
	commits      int
}

func (f *flakyStore) CommitTransition(ctx context.Context, c store.Commit) error {
	f.mu.Lock()
	f.commits++
	hook := f.beforeCommit
	f.beforeCommit = nil
	if f.busy > 0 {
		f.busy--
		f.mu.Unlock()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return f.Store.CommitTransition(ctx, c)
}

func (f *flakyStore) commitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}
