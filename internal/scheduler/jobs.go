/**
 * @description
 * Scheduled job implementations driving the dunning engine: the due-attempt
 * runner, the missed-invoice sweep and the stale-claim reclaim.
 */
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zentla/dunning-service/internal/app"
	"github.com/zentla/dunning-service/internal/config"
)

// DunningRunner defines the engine operations the jobs drive.
type DunningRunner interface {
	RunDueAttempts(ctx context.Context, batchSize int) (*app.DueAttemptRunResult, error)
	SweepMissedInvoices(ctx context.Context, dueMargin time.Duration, limit int) (*app.SweepResult, error)
	ReclaimStaleAttempts(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Jobs contains the logic for all scheduled tasks. Each job carries its own
// overlap guard: a tick that fires while the previous one still runs is
// skipped, since attempts left behind are picked up by the next tick anyway.
type Jobs struct {
	runner DunningRunner
	logger *slog.Logger
	config config.Config

	dueRunning     atomic.Bool
	sweepRunning   atomic.Bool
	reclaimRunning atomic.Bool
}

// NewJobs creates a new Jobs runner.
func NewJobs(runner DunningRunner, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		runner: runner,
		logger: logger,
		config: cfg,
	}
}

// ProcessDueAttempts executes one batch of due dunning attempts.
func (j *Jobs) ProcessDueAttempts() {
	if !j.dueRunning.CompareAndSwap(false, true) {
		j.logger.Warn("due attempts job still running, skipping tick")
		return
	}
	defer j.dueRunning.Store(false)

	j.logger.Info("starting due attempts job")
	ctx := context.Background()

	result, err := j.runner.RunDueAttempts(ctx, j.config.AttemptBatchSize)
	if err != nil {
		j.logger.Error("failed to run due attempts", "error", err)
		return
	}

	if result.Evaluated == 0 {
		j.logger.Info("no due attempts to process")
		return
	}

	j.logger.Info("due attempts job finished",
		"evaluated", result.Evaluated,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"no_ops", result.NoOps,
		"errors", result.Errors)
}

// SweepMissedInvoices starts dunning for overdue open invoices the
// payment-failed signal never reached.
func (j *Jobs) SweepMissedInvoices() {
	if !j.sweepRunning.CompareAndSwap(false, true) {
		j.logger.Warn("missed invoice sweep still running, skipping tick")
		return
	}
	defer j.sweepRunning.Store(false)

	j.logger.Info("starting missed invoice sweep")
	ctx := context.Background()

	margin := time.Duration(j.config.SweepDueMarginHours) * time.Hour
	result, err := j.runner.SweepMissedInvoices(ctx, margin, j.config.SweepBatchSize)
	if err != nil {
		j.logger.Error("failed to sweep missed invoices", "error", err)
		return
	}

	if result.Candidates == 0 {
		j.logger.Info("no missed invoices to sweep")
		return
	}

	j.logger.Info("missed invoice sweep finished",
		"candidates", result.Candidates,
		"started", result.Started,
		"errors", result.Errors)
}

// ReclaimStaleAttempts releases attempts a crashed worker left in
// processing.
func (j *Jobs) ReclaimStaleAttempts() {
	if !j.reclaimRunning.CompareAndSwap(false, true) {
		j.logger.Warn("stale reclaim job still running, skipping tick")
		return
	}
	defer j.reclaimRunning.Store(false)

	j.logger.Info("starting stale attempt reclaim")
	ctx := context.Background()

	staleAfter := time.Duration(j.config.StaleAttemptMinutes) * time.Minute
	released, err := j.runner.ReclaimStaleAttempts(ctx, staleAfter)
	if err != nil {
		j.logger.Error("failed to reclaim stale attempts", "error", err)
		return
	}

	j.logger.Info("stale attempt reclaim finished", "released", released)
}
