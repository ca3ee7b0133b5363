package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/connentity/internal/ir"
)

// TimerStore is the timer persistence the scheduler needs.
// Implemented by *store.Store.
type TimerStore interface {
	NextTimer(ctx context.Context) (ir.ScheduledTimer, bool, error)
	DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.ScheduledTimer, error)
	FireTimer(ctx context.Context, id string, now time.Time) (ir.InboxEntry, bool, error)
}

// DefaultPollInterval bounds how long Run sleeps without re-reading the store.
const DefaultPollInterval = time.Second

// DefaultFireBatch is the number of due timers read per store query.
const DefaultFireBatch = 100

// Scheduler fires durable timers into the runtime.
//
// A timer is fired by store.FireTimer, which deletes it and inserts an inbox
// row in one transaction, and then handed to Runtime.EnqueueInbox. A crash
// between the two leaves the inbox row, which Runtime.Recover picks up.
type Scheduler struct {
	store   TimerStore
	runtime *Runtime
	wall    WallClock
	poll    time.Duration
	batch   int
	logger  *slog.Logger
	wake    chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the source of "now". Default: the runtime's clock.
func WithSchedulerClock(c WallClock) SchedulerOption {
	return func(s *Scheduler) { s.wall = c }
}

// WithPollInterval sets the maximum sleep between store reads.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithFireBatch sets how many due timers are read per query.
func WithFireBatch(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewScheduler creates a scheduler feeding rt and installs its Notify as
// rt's timer notifier, so a newly committed early timer wakes Run.
func NewScheduler(st TimerStore, rt *Runtime, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:   st,
		runtime: rt,
		wall:    rt.wall,
		poll:    DefaultPollInterval,
		batch:   DefaultFireBatch,
		logger:  rt.logger,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	rt.setTimerNotifier(s.Notify)
	return s
}

// Notify wakes Run so it re-reads the earliest timer.
// Non-blocking: concurrent notifications coalesce.
func (s *Scheduler) Notify(time.Time) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// FireDue fires every timer with fireAt <= now, in fire-time order (ties by
// id), and returns the tickets of the operations it submitted. A timer fired
// by a concurrent scheduler is skipped.
func (s *Scheduler) FireDue(ctx context.Context) ([]*Ticket, error) {
	now := s.wall.Now()
	var tickets []*Ticket
	for {
		due, err := s.store.DueTimers(ctx, now, s.batch)
		if err != nil {
			return tickets, fmt.Errorf("fire due: %w", err)
		}
		for _, t := range due {
			entry, ok, err := s.store.FireTimer(ctx, t.ID, now)
			if err != nil {
				return tickets, fmt.Errorf("fire timer %s: %w", t.ID, err)
			}
			if !ok {
				continue
			}
			s.runtime.metrics.TimersFired.Inc()
			s.logger.Debug("timer fired",
				"timer_id", t.ID,
				"entity_key", t.Key,
				"operation", t.Operation,
				"fire_at", t.FireAt,
				"inbox_id", entry.ID,
			)
			ticket, err := s.runtime.EnqueueInbox(ctx, entry)
			if err != nil {
				// The inbox row is durable; Recover resubmits it.
				return tickets, fmt.Errorf("enqueue timer %s: %w", t.ID, err)
			}
			tickets = append(tickets, ticket)
		}
		if len(due) < s.batch {
			return tickets, nil
		}
	}
}

// Run fires timers as they come due until ctx is cancelled.
//
// Run sleeps until the earliest pending timer, the poll interval, or a
// Notify, whichever comes first. Store errors are logged and retried on the
// next wake-up.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "poll_interval", s.poll)
	for {
		_, fireErr := s.FireDue(ctx)
		if fireErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsStopped(fireErr) {
				s.logger.Info("scheduler stopping: runtime closed")
				return nil
			}
			s.logger.Error("firing timers failed", "error", fireErr)
		}

		wait := s.poll
		next, ok, err := s.store.NextTimer(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("reading next timer failed", "error", err)
		}
		// A due timer that failed to fire waits for the next poll.
		if ok && fireErr == nil {
			if d := next.FireAt.Sub(s.wall.Now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping: context cancelled")
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
	}
}
