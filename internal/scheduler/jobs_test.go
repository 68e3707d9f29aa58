package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zentla/dunning-service/internal/app"
	"github.com/zentla/dunning-service/internal/config"
)

type runnerStub struct {
	mu             sync.Mutex
	dueBatchSizes  []int
	sweepMargins   []time.Duration
	sweepLimits    []int
	reclaimWindows []time.Duration

	dueErr   error
	dueBlock chan struct{}
}

func (s *runnerStub) RunDueAttempts(ctx context.Context, batchSize int) (*app.DueAttemptRunResult, error) {
	s.mu.Lock()
	s.dueBatchSizes = append(s.dueBatchSizes, batchSize)
	block := s.dueBlock
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	return &app.DueAttemptRunResult{Evaluated: 2, Failed: 2}, nil
}

func (s *runnerStub) SweepMissedInvoices(ctx context.Context, dueMargin time.Duration, limit int) (*app.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepMargins = append(s.sweepMargins, dueMargin)
	s.sweepLimits = append(s.sweepLimits, limit)
	return &app.SweepResult{Candidates: 1, Started: 1}, nil
}

func (s *runnerStub) ReclaimStaleAttempts(ctx context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimWindows = append(s.reclaimWindows, staleAfter)
	return 1, nil
}

func (s *runnerStub) dueCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dueBatchSizes)
}

func newTestJobs(runner DunningRunner, cfg config.Config) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(runner, logger, cfg)
}

func TestProcessDueAttempts_PassesConfiguredBatchSize(t *testing.T) {
	runner := &runnerStub{}
	jobs := newTestJobs(runner, config.Config{AttemptBatchSize: 25})

	jobs.ProcessDueAttempts()

	if got := runner.dueCalls(); got != 1 {
		t.Fatalf("expected one runner call, got %d", got)
	}
	if runner.dueBatchSizes[0] != 25 {
		t.Errorf("expected batch size 25, got %d", runner.dueBatchSizes[0])
	}
}

func TestProcessDueAttempts_SkipsOverlappingTick(t *testing.T) {
	runner := &runnerStub{dueBlock: make(chan struct{})}
	jobs := newTestJobs(runner, config.Config{AttemptBatchSize: 10})

	done := make(chan struct{})
	go func() {
		jobs.ProcessDueAttempts()
		close(done)
	}()

	// Wait for the first tick to enter the runner.
	for i := 0; runner.dueCalls() == 0 && i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	// A second tick while the first holds the guard must not reach the runner.
	jobs.ProcessDueAttempts()
	if got := runner.dueCalls(); got != 1 {
		t.Fatalf("expected the overlapping tick to be skipped, got %d runner calls", got)
	}

	close(runner.dueBlock)
	<-done

	// The guard releases once the first tick finishes.
	runner.dueBlock = nil
	jobs.ProcessDueAttempts()
	if got := runner.dueCalls(); got != 2 {
		t.Errorf("expected the guard to release after completion, got %d runner calls", got)
	}
}

func TestProcessDueAttempts_ReleasesGuardAfterError(t *testing.T) {
	runner := &runnerStub{dueErr: errors.New("db unavailable")}
	jobs := newTestJobs(runner, config.Config{AttemptBatchSize: 10})

	jobs.ProcessDueAttempts()
	jobs.ProcessDueAttempts()

	if got := runner.dueCalls(); got != 2 {
		t.Fatalf("expected a failed run to release the guard, got %d runner calls", got)
	}
}

func TestSweepMissedInvoices_UsesConfiguredMarginAndLimit(t *testing.T) {
	runner := &runnerStub{}
	jobs := newTestJobs(runner, config.Config{SweepDueMarginHours: 24, SweepBatchSize: 200})

	jobs.SweepMissedInvoices()

	if len(runner.sweepMargins) != 1 {
		t.Fatalf("expected one sweep call, got %d", len(runner.sweepMargins))
	}
	if runner.sweepMargins[0] != 24*time.Hour {
		t.Errorf("expected a 24h margin, got %v", runner.sweepMargins[0])
	}
	if runner.sweepLimits[0] != 200 {
		t.Errorf("expected a limit of 200, got %d", runner.sweepLimits[0])
	}
}

func TestReclaimStaleAttempts_UsesConfiguredWindow(t *testing.T) {
	runner := &runnerStub{}
	jobs := newTestJobs(runner, config.Config{StaleAttemptMinutes: 10})

	jobs.ReclaimStaleAttempts()

	if len(runner.reclaimWindows) != 1 {
		t.Fatalf("expected one reclaim call, got %d", len(runner.reclaimWindows))
	}
	if runner.reclaimWindows[0] != 10*time.Minute {
		t.Errorf("expected a 10m window, got %v", runner.reclaimWindows[0])
	}
}
