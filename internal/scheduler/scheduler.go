/**
 * @description
 * Cron scheduler setup for the dunning jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/zentla/dunning-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.DueAttemptsSchedule, s.jobs.ProcessDueAttempts); err != nil {
		s.logger.Error("failed to schedule due attempts job", "error", err)
	} else {
		s.logger.Info("scheduled due attempts job", "schedule", s.config.DueAttemptsSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.MissedSweepSchedule, s.jobs.SweepMissedInvoices); err != nil {
		s.logger.Error("failed to schedule missed invoice sweep", "error", err)
	} else {
		s.logger.Info("scheduled missed invoice sweep", "schedule", s.config.MissedSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.StaleReclaimSchedule, s.jobs.ReclaimStaleAttempts); err != nil {
		s.logger.Error("failed to schedule stale attempt reclaim", "error", err)
	} else {
		s.logger.Info("scheduled stale attempt reclaim", "schedule", s.config.StaleReclaimSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
