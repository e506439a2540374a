// Package schedule runs the wake-schedule worker: a polling loop that fires
// due schedules by dispatching wake commands through the command router and
// advancing each schedule's next trigger in its own timezone.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/command"
	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// Dispatcher is the slice of the command router the worker consumes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.DispatchRequest) (*db.Command, error)
}

// HostResolver resolves an FQN to its aggregated host (for the MAC and the
// owning node). Implemented by the host aggregator.
type HostResolver interface {
	Get(fqn string) (aggregator.Host, bool)
}

// Config holds the worker tunables.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
}

// Worker polls for due wake schedules. A disabled worker performs no side
// effects at all.
type Worker struct {
	cfg       Config
	schedules repositories.ScheduleRepository
	hosts     HostResolver
	router    Dispatcher
	logger    *zap.Logger
	cron      gocron.Scheduler

	now func() time.Time
}

// New creates a Worker. Call Start to begin polling.
func New(cfg Config, schedules repositories.ScheduleRepository, hosts HostResolver, router Dispatcher, logger *zap.Logger) (*Worker, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("schedule: failed to create scheduler: %w", err)
	}
	return &Worker{
		cfg:       cfg,
		schedules: schedules,
		hosts:     hosts,
		router:    router,
		logger:    logger.Named("schedule"),
		cron:      cron,
		now:       time.Now,
	}, nil
}

// Start schedules the poll loop. A no-op when the worker is disabled.
func (w *Worker) Start() error {
	if !w.cfg.Enabled {
		w.logger.Info("schedule worker disabled")
		return nil
	}

	_, err := w.cron.NewJob(
		gocron.DurationJob(w.cfg.PollInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PollInterval)
			defer cancel()
			w.Tick(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule: failed to schedule poll job: %w", err)
	}

	w.cron.Start()
	w.logger.Info("schedule worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)
	return nil
}

// Stop shuts the poll loop down, waiting for a running tick to finish.
func (w *Worker) Stop() error {
	if !w.cfg.Enabled {
		return nil
	}
	if err := w.cron.Shutdown(); err != nil {
		return fmt.Errorf("schedule: shutdown: %w", err)
	}
	w.logger.Info("schedule worker stopped")
	return nil
}

// Tick fires every due schedule in the current batch. Exported so tests and
// the poll job share one code path.
func (w *Worker) Tick(ctx context.Context) {
	now := w.now()
	due, err := w.schedules.DueBatch(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("failed to select due schedules", zap.Error(err))
		return
	}

	for i := range due {
		w.fire(ctx, &due[i], now)
	}
}

// fire dispatches one schedule's wake command and advances its trigger.
// The idempotency key is derived from the schedule and the trigger instant it
// fired for, so a tick that races a clock correction cannot double-dispatch.
func (w *Worker) fire(ctx context.Context, s *db.WakeSchedule, now time.Time) {
	if s.NextTrigger == nil {
		return
	}
	trigger := *s.NextTrigger

	host, ok := w.hosts.Get(s.HostFQN)
	if !ok {
		w.logger.Warn("schedule targets unknown host; disabling",
			zap.String("schedule_id", s.ID.String()),
			zap.String("host_fqn", s.HostFQN),
		)
		s.Enabled = false
		s.NextTrigger = nil
		if err := w.schedules.Update(ctx, s); err != nil {
			w.logger.Error("failed to disable orphaned schedule", zap.Error(err))
		}
		return
	}

	key := fmt.Sprintf("%s-%d", s.ID, trigger.Unix())
	cmd, err := w.router.Dispatch(ctx, command.DispatchRequest{
		NodeID:         host.NodeID,
		Type:           protocol.CommandWake,
		Payload:        protocol.WakeData{HostName: host.Name, MAC: host.MAC, WolPort: host.WolPort},
		IdempotencyKey: key,
	})
	if err != nil {
		w.logger.Error("scheduled wake dispatch failed",
			zap.String("schedule_id", s.ID.String()),
			zap.String("host_fqn", s.HostFQN),
			zap.Error(err),
		)
		// Leave the trigger in place; the next tick retries under the same
		// idempotency key.
		return
	}

	w.logger.Info("scheduled wake dispatched",
		zap.String("schedule_id", s.ID.String()),
		zap.String("host_fqn", s.HostFQN),
		zap.String("command_id", cmd.ID.String()),
		zap.String("frequency", s.Frequency),
	)

	fired := now
	s.LastTriggered = &fired
	next, err := NextTrigger(s.ScheduledTime, protocol.Frequency(s.Frequency), s.Timezone, now)
	if err != nil {
		w.logger.Error("failed to compute next trigger", zap.String("schedule_id", s.ID.String()), zap.Error(err))
		next = nil
	}
	s.NextTrigger = next
	if next == nil {
		s.Enabled = false
	}

	if err := w.schedules.Update(ctx, s); err != nil {
		w.logger.Error("failed to advance schedule", zap.String("schedule_id", s.ID.String()), zap.Error(err))
	}
}
