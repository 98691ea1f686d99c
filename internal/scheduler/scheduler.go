// Package scheduler runs cron-scheduled pipelines, sweeps expired approvals
// and prunes the event log.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/pkg/schema"
)

// DefaultInterval is the polling period. Cron expressions have minute resolution.
const DefaultInterval = 60 * time.Second

// Run statuses recorded on a schedule.
const (
	StatusStarted         = "started"
	StatusWaitingApproval = "waiting_approval"
	StatusError           = "error"
)

// PipelineRunner is the part of the pipeline executor the scheduler drives.
type PipelineRunner interface {
	Start(ctx context.Context, name string, inputs map[string]any, opts pipeline.RunOptions) (*store.PipelineExecution, error)
	ListPipelines() []*schema.PipelineDefinition
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Scheduler polls the store for due schedules and starts their pipelines.
type Scheduler struct {
	store    store.ScheduleStore
	runner   PipelineRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // pipeline names currently starting

	retention *retention
}

// NewScheduler creates a new Scheduler. A zero interval uses DefaultInterval.
func NewScheduler(s store.ScheduleStore, runner PipelineRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Run starts the loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts due pipelines, expires stale approvals and prunes old events.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.prune(ctx, now)

	if n, err := s.runner.ExpireStale(ctx, now); err != nil {
		s.logger.Error("failed to expire approvals", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("expired stale approvals", slog.Int("count", n))
	}

	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.PipelineName) {
			continue
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("pipeline", sched.PipelineName),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.PipelineName)
	}
}

// runSchedule starts the pipeline in the background and records the outcome.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.PipelineSchedule, now time.Time) error {
	s.logger.Info("running scheduled pipeline",
		slog.String("pipeline", sched.PipelineName),
		slog.String("cron", sched.CronExpression),
	)

	status := StatusStarted
	exec, err := s.runner.Start(ctx, sched.PipelineName, maps.Clone(sched.Inputs), pipeline.RunOptions{})
	if _, paused := schema.AsApprovalRequired(err); paused {
		status = StatusWaitingApproval
	} else if err != nil {
		status = StatusError
		s.logger.Error("scheduled pipeline failed to start",
			slog.String("pipeline", sched.PipelineName),
			slog.String("error", err.Error()),
		)
	} else if exec != nil {
		s.logger.Debug("scheduled pipeline started",
			slog.String("pipeline", sched.PipelineName),
			slog.String("execution_id", exec.ID),
		)
	}

	return s.recordRun(ctx, sched, now, status)
}

func (s *Scheduler) recordRun(ctx context.Context, sched *store.PipelineSchedule, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", sched.PipelineName, err)
	}

	return s.store.UpdateScheduleRun(ctx, sched.PipelineName, store.ScheduleRunUpdate{
		LastRunAt:     now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// Sync reconciles stored schedules with the pipelines' schedule fields.
// A schedule whose cron expression is unchanged keeps its next run time.
func (s *Scheduler) Sync(ctx context.Context) error {
	now := s.now()
	wanted := make(map[string]*schema.PipelineDefinition)
	for _, def := range s.runner.ListPipelines() {
		if def.Schedule != "" {
			wanted[def.Name] = def
		}
	}

	existing, err := s.store.ListSchedules(ctx, false)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	current := make(map[string]*store.PipelineSchedule, len(existing))
	for _, sched := range existing {
		current[sched.PipelineName] = sched
	}

	for name, def := range wanted {
		prev := current[name]
		if prev != nil && prev.Enabled && prev.CronExpression == def.Schedule &&
			reflect.DeepEqual(normalizeInputs(prev.Inputs), normalizeInputs(def.ScheduleInputs)) {
			continue
		}
		next, err := s.CalculateNextRun(def.Schedule, now)
		if err != nil {
			s.logger.Warn("skipping invalid schedule",
				slog.String("pipeline", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		sched := &store.PipelineSchedule{
			PipelineName:   name,
			CronExpression: def.Schedule,
			Inputs:         def.ScheduleInputs,
			Enabled:        true,
			NextRunAt:      &next,
		}
		if prev != nil && prev.CronExpression == def.Schedule && prev.NextRunAt != nil {
			sched.NextRunAt = prev.NextRunAt
		}
		if err := s.store.UpsertSchedule(ctx, sched); err != nil {
			return err
		}
		s.logger.Info("schedule registered",
			slog.String("pipeline", name),
			slog.String("cron", def.Schedule),
			slog.Time("next_run_at", *sched.NextRunAt),
		)
	}

	for name := range current {
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := s.store.DeleteSchedule(ctx, name); err != nil && !schema.IsNotFound(err) {
			return err
		}
		s.logger.Info("schedule removed", slog.String("pipeline", name))
	}
	return nil
}

func normalizeInputs(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// tryAcquire returns true and marks the pipeline as in-flight if it is not already starting.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs every schedule whose next run passed while the daemon was down, once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.PipelineName) {
			continue
		}
		err := s.runSchedule(ctx, sched, now)
		s.release(sched.PipelineName)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("pipeline", sched.PipelineName),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
