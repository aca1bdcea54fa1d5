package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs Jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
}

func NewScheduler(jobs *Jobs, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger))),
		jobs:   jobs,
		logger: logger,
	}
}

// Start registers the enabled jobs and starts the scheduler. Each run uses
// ctx, so cancelling it stops in-flight work at the next account.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg := s.jobs.cfg
	type entry struct {
		name     string
		schedule string
		enabled  bool
		run      func(context.Context) error
	}
	entries := []entry{
		{"interest", cfg.InterestSchedule, cfg.InterestRateAnnual.IsPositive(), func(ctx context.Context) error {
			_, err := s.jobs.CreditInterest(ctx)
			return err
		}},
		{"monthly_fee", cfg.FeeSchedule, cfg.MonthlyFee.IsPositive(), func(ctx context.Context) error {
			_, err := s.jobs.ChargeMonthlyFee(ctx)
			return err
		}},
		{"purge_processed_keys", cfg.PurgeSchedule, true, func(ctx context.Context) error {
			_, err := s.jobs.PurgeProcessedKeys(ctx)
			return err
		}},
	}

	for _, e := range entries {
		if !e.enabled {
			s.logger.Info("job disabled", zap.String("job", e.name))
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, s.wrap(ctx, e.name, e.run)); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", e.name, err)
		}
		s.logger.Info("scheduled job", zap.String("job", e.name), zap.String("schedule", e.schedule))
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done when running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) wrap(ctx context.Context, name string, run func(context.Context) error) func() {
	return func() {
		s.logger.Info("starting job", zap.String("job", name))
		if err := run(ctx); err != nil {
			s.jobs.metrics.IncrJobRun(name, "error")
			s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.jobs.metrics.IncrJobRun(name, "ok")
		s.logger.Info("job finished", zap.String("job", name))
	}
}
