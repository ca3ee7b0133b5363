package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/connentity/internal/config"
	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/store"
)

// session is an open store with a runtime and scheduler configured from
// the effective config.
type session struct {
	cfg       config.Config
	store     *store.Store
	runtime   *engine.Runtime
	scheduler *engine.Scheduler
	logger    *slog.Logger
}

// sessionOptions are the command-line inputs shared by serve and invoke.
type sessionOptions struct {
	ConfigPath string
	Database   string // overrides config database when set

	// Registry receives the runtime metrics. Nil leaves them unregistered.
	Registry prometheus.Registerer
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(path, database string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if database != "" {
		cfg.Database = database
	}
	return cfg, nil
}

// openSession opens the database and builds the runtime and scheduler.
func openSession(so sessionOptions, logger *slog.Logger) (*session, error) {
	cfg, err := loadConfig(so.ConfigPath, so.Database)
	if err != nil {
		return nil, err
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	rt := engine.New(st,
		engine.WithHealthCheckInterval(cfg.HealthCheckInterval()),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.RetryInitialInterval(),
			MaxInterval:     cfg.RetryMaxInterval(),
		}),
		engine.WithMetrics(engine.NewMetrics(so.Registry)),
		engine.WithLogger(logger),
	)
	sched := engine.NewScheduler(st, rt,
		engine.WithPollInterval(cfg.PollInterval()),
		engine.WithFireBatch(cfg.Scheduler.FireBatch),
	)

	return &session{
		cfg:       cfg,
		store:     st,
		runtime:   rt,
		scheduler: sched,
		logger:    logger,
	}, nil
}

// catchUp resubmits fired-but-uncommitted timers, then fires timers that
// came due while nothing was running, and waits for all of them.
// Returns the number of operations it ran.
func (s *session) catchUp(ctx context.Context) (int, error) {
	recovered, err := s.runtime.Recover(ctx)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to recover", err)
	}
	fired, err := s.scheduler.FireDue(ctx)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to fire due timers", err)
	}

	tickets := append(recovered, fired...)
	for _, t := range tickets {
		if _, err := t.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.logger.Warn("catch-up operation failed",
				"entity_key", t.Key,
				"operation", t.Operation,
				"seq", t.Seq,
				"error", err,
			)
		}
	}
	if len(tickets) > 0 {
		s.logger.Info("caught up", "recovered", len(recovered), "fired", len(fired))
	}
	return len(tickets), nil
}

// Close stops the runtime and closes the database.
func (s *session) Close(ctx context.Context) error {
	return errors.Join(s.runtime.Close(ctx), s.store.Close())
}
