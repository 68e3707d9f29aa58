/**
 * @description
 * Core business logic for the dunning engine: opening and closing episodes,
 * executing scheduled attempts, reacting to external payment success,
 * exhaustion handling, manual operator actions and the back-office read
 * surface.
 *
 * @notes
 * - The pending→processing claim in the repository is the only mutual
 *   exclusion in the system. Losing a claim is a normal outcome and is
 *   reported as a no-op result, never an error.
 * - Every state transition signals through one helper that publishes the
 *   event and then best-effort notifies the customer; neither step can
 *   fail or reorder persistence.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zentla/dunning-service/internal/domain"
	"github.com/zentla/dunning-service/internal/store"
)

// ErrInvalidConfig wraps tenant configuration validation failures so the
// API layer can map them to a client error.
var ErrInvalidConfig = errors.New("invalid dunning configuration")

// PaymentProvider defines the charge operations the engine invokes.
// AttemptPayment reports declines as values; both methods return an error
// only for transport-level trouble.
type PaymentProvider interface {
	AttemptPayment(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error)
	PayNow(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Notifier defines the interface for dispatching customer notifications.
type Notifier interface {
	Send(ctx context.Context, tenantID string, customerID, invoiceID uuid.UUID, templateType string, variables map[string]interface{}) error
}

// RetryRateLimiter bounds operator-triggered retries per invoice.
type RetryRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitedError is returned when an operator exceeds the manual retry
// budget for one invoice.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("manual retry rate limit exceeded, retry after %d seconds", e.RetryAfterSeconds)
}

// Service provides the business logic for dunning management.
type Service struct {
	repo           store.Repository
	provider       PaymentProvider
	publisher      EventPublisher
	notifier       Notifier
	limiter        RetryRateLimiter
	logger         *slog.Logger
	eventsExchange string
	retryLimit     int
	retryWindow    time.Duration
}

// NewService creates a new dunning service.
func NewService(
	repo store.Repository,
	provider PaymentProvider,
	publisher EventPublisher,
	notifier Notifier,
	limiter RetryRateLimiter,
	logger *slog.Logger,
	eventsExchange string,
	retryLimit int,
	retryWindowSecs int,
) Service {
	if eventsExchange == "" {
		eventsExchange = "zentla.events"
	}
	return Service{
		repo:           repo,
		provider:       provider,
		publisher:      publisher,
		notifier:       notifier,
		limiter:        limiter,
		logger:         logger,
		eventsExchange: eventsExchange,
		retryLimit:     retryLimit,
		retryWindow:    time.Duration(retryWindowSecs) * time.Second,
	}
}

// DueAttemptRunResult summarizes one due-attempt batch.
type DueAttemptRunResult struct {
	Evaluated int `json:"evaluated"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	NoOps     int `json:"no_ops"`
	Errors    int `json:"errors"`
}

// SweepResult summarizes a missed-candidate sweep.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Started    int `json:"started"`
	Errors     int `json:"errors"`
}

// StartDunning opens a dunning episode for an open invoice and schedules
// attempt #1. A duplicate signal, a non-open invoice or an invoice that
// already entered dunning is a benign no-op; only a missing invoice is an
// error.
func (s Service) StartDunning(ctx context.Context, invoiceID uuid.UUID) error {
	invoice, err := s.repo.FindInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != domain.InvoiceStatusOpen {
		s.logger.Info("skipping dunning start for non-open invoice", "invoice_id", invoiceID, "status", invoice.Status)
		return nil
	}
	if invoice.DunningStartedAt != nil {
		s.logger.Info("dunning already started for invoice", "invoice_id", invoiceID)
		return nil
	}

	cfg, err := s.tenantConfig(ctx, invoice.TenantID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	firstRetryAt := cfg.NextRetryDate(0, now)
	if firstRetryAt == nil {
		// Mis-configured tenant: open the episode so the invoice is visible
		// in dunning views, but there is nothing to schedule.
		s.logger.Error("tenant retry schedule is empty, opening episode without an attempt",
			"invoice_id", invoiceID, "tenant_id", invoice.TenantID)
		if _, err := s.repo.OpenDunningEpisode(ctx, invoiceID, now, nil); err != nil {
			return fmt.Errorf("failed to open dunning episode: %w", err)
		}
		return nil
	}

	first := domain.DunningAttempt{
		ID:             uuid.New(),
		TenantID:       invoice.TenantID,
		InvoiceID:      invoice.ID,
		SubscriptionID: invoice.SubscriptionID,
		CustomerID:     invoice.CustomerID,
		AttemptNumber:  1,
		Status:         domain.AttemptStatusPending,
		ScheduledAt:    *firstRetryAt,
	}
	opened, err := s.repo.OpenDunningEpisode(ctx, invoiceID, now, &first)
	if err != nil {
		return fmt.Errorf("failed to open dunning episode: %w", err)
	}
	if !opened {
		// Lost the open race to a concurrent signal.
		return nil
	}

	s.logger.Info("dunning started", "invoice_id", invoiceID, "tenant_id", invoice.TenantID, "first_attempt_at", *firstRetryAt)
	s.signalTransition(ctx, transitionSignal{
		EventType:     domain.EventDunningStarted,
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   invoice.ID.String(),
		Payload: map[string]interface{}{
			"invoice_id":       invoice.ID.String(),
			"tenant_id":        invoice.TenantID,
			"amount_due":       invoice.AmountDue,
			"currency":         invoice.Currency,
			"first_attempt_at": firstRetryAt.Format(time.RFC3339),
		},
		Config:     cfg,
		CustomerID: invoice.CustomerID,
		InvoiceID:  invoice.ID,
		Template:   domain.TemplatePaymentFailed,
		Variables: map[string]interface{}{
			"amount_due":      invoice.AmountDue,
			"currency":        invoice.Currency,
			"next_attempt_at": firstRetryAt.Format(time.RFC3339),
		},
	})
	return nil
}

// ExecuteAttempt claims and settles one scheduled attempt. Attempts already
// claimed or resolved by a racing worker report their current state as a
// no-op outcome. Provider transport errors propagate and leave the attempt
// in processing for the stale reclaim to release.
func (s Service) ExecuteAttempt(ctx context.Context, attemptID uuid.UUID) (*domain.AttemptOutcome, error) {
	attempt, err := s.repo.FindAttemptByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != domain.AttemptStatusPending {
		return outcomeFromAttempt(attempt, true), nil
	}

	now := time.Now().UTC()
	claimed, err := s.repo.ClaimDunningAttempt(ctx, attemptID, now)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		// Lost the claim; whatever state the racing worker left is authoritative.
		current, err := s.repo.FindAttemptByID(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		return outcomeFromAttempt(current, true), nil
	}

	invoice, err := s.repo.FindInvoiceByID(ctx, claimed.InvoiceID)
	if err != nil {
		return nil, err
	}

	if invoice.Status == domain.InvoiceStatusPaid {
		// Paid externally between scheduling and execution.
		if err := s.repo.MarkAttemptSucceeded(ctx, claimed.ID); err != nil {
			return nil, err
		}
		if err := s.HandleExternalSuccess(ctx, invoice.ID); err != nil {
			return nil, err
		}
		markSucceeded(claimed)
		return outcomeFromAttempt(claimed, false), nil
	}

	outcome, err := s.provider.AttemptPayment(ctx, chargeRequestFor(invoice))
	if err != nil {
		return nil, fmt.Errorf("payment provider unavailable: %w", err)
	}

	if outcome.OK {
		if err := s.repo.MarkAttemptSucceeded(ctx, claimed.ID); err != nil {
			return nil, err
		}
		if err := s.HandleExternalSuccess(ctx, invoice.ID); err != nil {
			return nil, err
		}
		markSucceeded(claimed)
		return outcomeFromAttempt(claimed, false), nil
	}

	// Load the policy before settling the attempt: a config outage here
	// leaves the attempt in processing for the stale reclaim instead of
	// stranding a failed attempt with no follow-up.
	cfg, err := s.tenantConfig(ctx, invoice.TenantID)
	if err != nil {
		return nil, err
	}

	declineCode := optionalString(outcome.DeclineCode)
	if err := s.repo.MarkAttemptFailed(ctx, claimed.ID, outcome.FailureReason, declineCode); err != nil {
		return nil, err
	}
	markFailed(claimed, outcome.FailureReason, declineCode)

	if cfg.IsExhausted(claimed.AttemptNumber) {
		if err := s.handleExhaustion(ctx, invoice, claimed, cfg, now); err != nil {
			return nil, err
		}
		return outcomeFromAttempt(claimed, false), nil
	}

	// Offsets are anchored at the episode start, not the previous attempt.
	anchor := now
	if invoice.DunningStartedAt != nil {
		anchor = *invoice.DunningStartedAt
	}
	nextAt := cfg.NextRetryDate(claimed.AttemptNumber, anchor)
	if nextAt == nil {
		// Schedule ran out before MaxAttempts did.
		if err := s.handleExhaustion(ctx, invoice, claimed, cfg, now); err != nil {
			return nil, err
		}
		return outcomeFromAttempt(claimed, false), nil
	}

	next := domain.DunningAttempt{
		ID:             uuid.New(),
		TenantID:       claimed.TenantID,
		InvoiceID:      claimed.InvoiceID,
		SubscriptionID: claimed.SubscriptionID,
		CustomerID:     claimed.CustomerID,
		AttemptNumber:  claimed.AttemptNumber + 1,
		Status:         domain.AttemptStatusPending,
		ScheduledAt:    *nextAt,
	}
	scheduled, err := s.repo.ScheduleNextAttempt(ctx, store.ScheduleNextAttemptParams{
		Attempt:       next,
		AttemptCount:  claimed.AttemptNumber,
		NextAttemptAt: *nextAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule attempt %d: %w", next.AttemptNumber, err)
	}
	if !scheduled {
		// Either the episode was stopped or paid while the charge was in
		// flight, or this claim was released as stale and another worker
		// already settled the attempt. The recorded failure stands but no
		// second follow-up may be written.
		s.logger.Info("episode advanced elsewhere, follow-up suppressed",
			"invoice_id", invoice.ID, "attempt_number", claimed.AttemptNumber)
		return outcomeFromAttempt(claimed, false), nil
	}

	s.logger.Info("dunning attempt failed, follow-up scheduled",
		"invoice_id", invoice.ID, "attempt_number", claimed.AttemptNumber,
		"reason", outcome.FailureReason, "next_attempt_at", *nextAt)

	template := domain.TemplatePaymentReminder
	if cfg.IsLastAllowedAttempt(next.AttemptNumber) {
		template = domain.TemplateFinalWarning
	}
	s.signalTransition(ctx, transitionSignal{
		EventType:     domain.EventDunningAttemptFailed,
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   invoice.ID.String(),
		Payload: map[string]interface{}{
			"invoice_id":      invoice.ID.String(),
			"tenant_id":       invoice.TenantID,
			"attempt_number":  claimed.AttemptNumber,
			"failure_reason":  outcome.FailureReason,
			"decline_code":    outcome.DeclineCode,
			"next_attempt_at": nextAt.Format(time.RFC3339),
		},
		Config:     cfg,
		CustomerID: invoice.CustomerID,
		InvoiceID:  invoice.ID,
		Template:   template,
		Variables: map[string]interface{}{
			"attempt_number":  claimed.AttemptNumber,
			"amount_due":      invoice.AmountDue,
			"currency":        invoice.Currency,
			"next_attempt_at": nextAt.Format(time.RFC3339),
		},
	})
	return outcomeFromAttempt(claimed, false), nil
}

// HandleExternalSuccess closes the episode after money arrived outside the
// retry loop (webhook, manual payment, attempt success). Idempotent: with
// no active episode it does nothing.
func (s Service) HandleExternalSuccess(ctx context.Context, invoiceID uuid.UUID) error {
	invoice, err := s.repo.FindInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}

	skipReason := "superseded_by_payment"
	ended, err := s.repo.EndDunningEpisode(ctx, store.EndDunningEpisodeParams{
		InvoiceID:         invoiceID,
		EndedAt:           time.Now().UTC(),
		SkipReason:        &skipReason,
		PromoteProcessing: true,
	})
	if err != nil {
		return fmt.Errorf("failed to end dunning episode: %w", err)
	}
	if !ended {
		return nil
	}

	if invoice.SubscriptionID != nil {
		sub, err := s.repo.FindSubscriptionByID(ctx, *invoice.SubscriptionID)
		switch {
		case err != nil && errors.Is(err, store.ErrSubscriptionNotFound):
			s.logger.Warn("subscription missing during dunning recovery", "invoice_id", invoiceID, "subscription_id", *invoice.SubscriptionID)
		case err != nil:
			return err
		case sub.Status == domain.SubscriptionStatusPaymentFailed || sub.Status == domain.SubscriptionStatusSuspended:
			if err := s.repo.SetSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatusActive); err != nil {
				return fmt.Errorf("failed to reactivate subscription: %w", err)
			}
			s.logger.Info("subscription reactivated after payment recovery", "subscription_id", sub.ID, "invoice_id", invoiceID)
			s.signalTransition(ctx, transitionSignal{
				EventType:     domain.EventSubscriptionReactivated,
				AggregateType: domain.AggregateTypeSubscription,
				AggregateID:   sub.ID.String(),
				Payload: map[string]interface{}{
					"subscription_id": sub.ID.String(),
					"invoice_id":      invoiceID.String(),
					"tenant_id":       invoice.TenantID,
				},
			})
		}
	}

	s.logger.Info("dunning ended by payment recovery", "invoice_id", invoiceID, "tenant_id", invoice.TenantID)

	signal := transitionSignal{
		EventType:     domain.EventDunningAttemptSucceeded,
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   invoice.ID.String(),
		Payload: map[string]interface{}{
			"invoice_id": invoice.ID.String(),
			"tenant_id":  invoice.TenantID,
			"amount_due": invoice.AmountDue,
			"currency":   invoice.Currency,
		},
		CustomerID: invoice.CustomerID,
		InvoiceID:  invoice.ID,
	}
	if cfg, cfgErr := s.tenantConfig(ctx, invoice.TenantID); cfgErr != nil {
		s.logger.Warn("skipping recovery notification, tenant config unavailable", "invoice_id", invoiceID, "error", cfgErr)
	} else {
		signal.Config = cfg
		signal.Template = domain.TemplatePaymentRecovered
		signal.Variables = map[string]interface{}{
			"amount_due": invoice.AmountDue,
			"currency":   invoice.Currency,
		}
	}
	s.signalTransition(ctx, signal)
	return nil
}

// handleExhaustion closes the episode after the last allowed attempt failed,
// freezing the consumed count, then applies the tenant's final action. The
// write-once episode end is the gate: when a stop or a payment already closed
// the episode, the exhausted attempt's result is superseded and no final
// action fires.
func (s Service) handleExhaustion(ctx context.Context, invoice *domain.Invoice, attempt *domain.DunningAttempt, cfg domain.DunningConfig, now time.Time) error {
	skipReason := "dunning_exhausted"
	frozenCount := attempt.AttemptNumber
	ended, err := s.repo.EndDunningEpisode(ctx, store.EndDunningEpisodeParams{
		InvoiceID:          invoice.ID,
		EndedAt:            now,
		SkipReason:         &skipReason,
		FreezeAttemptCount: &frozenCount,
	})
	if err != nil {
		return fmt.Errorf("failed to end exhausted episode: %w", err)
	}
	if !ended {
		s.logger.Info("episode closed mid-attempt, final action suppressed",
			"invoice_id", invoice.ID, "attempt_number", attempt.AttemptNumber)
		return nil
	}

	finalActionAt := cfg.FinalActionDate(now)

	s.signalTransition(ctx, transitionSignal{
		EventType:     domain.EventDunningFinalAttemptFailed,
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   invoice.ID.String(),
		Payload: map[string]interface{}{
			"invoice_id":      invoice.ID.String(),
			"tenant_id":       invoice.TenantID,
			"attempt_number":  attempt.AttemptNumber,
			"failure_reason":  stringOrEmpty(attempt.FailureReason),
			"final_action":    cfg.FinalAction,
			"final_action_at": finalActionAt.Format(time.RFC3339),
		},
	})

	if invoice.SubscriptionID != nil {
		status := domain.SubscriptionStatusSuspended
		event := domain.EventSubscriptionSuspended
		template := domain.TemplateSubscriptionSuspended
		if cfg.FinalAction == domain.FinalActionCancel {
			status = domain.SubscriptionStatusCanceled
			event = domain.EventSubscriptionCanceled
			template = domain.TemplateSubscriptionCanceled
		}
		if err := s.repo.SetSubscriptionStatus(ctx, *invoice.SubscriptionID, status); err != nil {
			return fmt.Errorf("failed to apply final action %q: %w", cfg.FinalAction, err)
		}
		s.logger.Info("final action applied",
			"invoice_id", invoice.ID, "subscription_id", *invoice.SubscriptionID, "action", cfg.FinalAction)
		s.signalTransition(ctx, transitionSignal{
			EventType:     event,
			AggregateType: domain.AggregateTypeSubscription,
			AggregateID:   invoice.SubscriptionID.String(),
			Payload: map[string]interface{}{
				"subscription_id": invoice.SubscriptionID.String(),
				"invoice_id":      invoice.ID.String(),
				"tenant_id":       invoice.TenantID,
				"final_action":    cfg.FinalAction,
			},
			Config:     cfg,
			CustomerID: invoice.CustomerID,
			InvoiceID:  invoice.ID,
			Template:   template,
			Variables: map[string]interface{}{
				"amount_due": invoice.AmountDue,
				"currency":   invoice.Currency,
			},
		})
	} else {
		s.logger.Warn("invoice has no subscription, skipping final action", "invoice_id", invoice.ID)
	}

	s.logger.Info("dunning exhausted", "invoice_id", invoice.ID, "attempts", attempt.AttemptNumber, "final_action", cfg.FinalAction)
	s.signalTransition(ctx, transitionSignal{
		EventType:     domain.EventDunningEnded,
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   invoice.ID.String(),
		Payload: map[string]interface{}{
			"invoice_id": invoice.ID.String(),
			"tenant_id":  invoice.TenantID,
			"reason":     "exhausted",
			"attempts":   attempt.AttemptNumber,
		},
	})
	return nil
}

// StopDunning is the operator override: it ends an active episode, skipping
// pending attempts with the given reason, and leaves the subscription
// untouched. Returns whether an episode was actually stopped.
func (s Service) StopDunning(ctx context.Context, invoiceID uuid.UUID, reason string) (bool, error) {
	invoice, err := s.repo.FindInvoiceByID(ctx, invoiceID)
	if err != nil {
		return false, err
	}

	if reason == "" {
		reason = "stopped_by_operator"
	}
	ended, err := s.repo.EndDunningEpisode(ctx, store.EndDunningEpisodeParams{
		InvoiceID:  invoiceID,
		EndedAt:    time.Now().UTC(),
		SkipReason: &reason,
	})
	if err != nil {
		return false, fmt.Errorf("failed to stop dunning: %w", err)
	}
	if !ended {
		s.logger.Info("stop requested for invoice without active dunning", "invoice_id", invoiceID)
		return false, nil
	}

	s.logger.Info("dunning stopped", "invoice_id", invoiceID, "reason", reason)
	s.signalTransition(ctx, transitionSignal{
		EventType:     domain.EventDunningEnded,
		AggregateType: domain.AggregateTypeInvoice,
		AggregateID:   invoice.ID.String(),
		Payload: map[string]interface{}{
			"invoice_id": invoice.ID.String(),
			"tenant_id":  invoice.TenantID,
			"reason":     reason,
		},
	})
	return true, nil
}

// TriggerManualRetry charges an open invoice immediately, outside the
// attempt ledger. It never mutates dunning state; a real success comes back
// later through the payment-succeeded signal.
func (s Service) TriggerManualRetry(ctx context.Context, invoiceID uuid.UUID) (*domain.ManualRetryResult, error) {
	invoice, err := s.repo.FindInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status != domain.InvoiceStatusOpen {
		reason := "invoice_not_open"
		return &domain.ManualRetryResult{InvoiceID: invoice.ID, Success: false, FailureReason: &reason}, nil
	}

	if s.limiter != nil && s.retryLimit > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "manual_retry", invoiceID.String(), s.retryLimit, s.retryWindow)
		if err != nil {
			// Limiter outage fails open; a blocked operator is worse than a
			// second charge attempt.
			s.logger.Warn("manual retry limiter unavailable, failing open", "invoice_id", invoiceID, "error", err)
		} else if count > s.retryLimit {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	outcome, err := s.provider.PayNow(ctx, chargeRequestFor(invoice))
	if err != nil {
		return nil, fmt.Errorf("payment provider unavailable: %w", err)
	}

	result := &domain.ManualRetryResult{InvoiceID: invoice.ID, Success: outcome.OK}
	if !outcome.OK {
		result.FailureReason = optionalString(outcome.FailureReason)
		result.DeclineCode = optionalString(outcome.DeclineCode)
	}
	s.logger.Info("manual retry executed", "invoice_id", invoiceID, "success", outcome.OK)
	return result, nil
}

// GetConfig returns the tenant's effective configuration, falling back to
// the documented defaults.
func (s Service) GetConfig(ctx context.Context, tenantID string) (domain.DunningConfig, error) {
	return s.tenantConfig(ctx, tenantID)
}

// UpdateConfig validates and stores a tenant's configuration.
func (s Service) UpdateConfig(ctx context.Context, cfg domain.DunningConfig) (*domain.DunningConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	stored, err := s.repo.UpsertDunningConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dunning configuration updated", "tenant_id", cfg.TenantID, "max_attempts", cfg.MaxAttempts, "final_action", cfg.FinalAction)
	return stored, nil
}

// ListInvoicesInDunning pages through active episodes.
func (s Service) ListInvoicesInDunning(ctx context.Context, opts domain.DunningListOptions) (*domain.DunningPage, error) {
	return s.repo.ListInvoicesInDunning(ctx, opts)
}

// GetStats aggregates the recovery pipeline overview.
func (s Service) GetStats(ctx context.Context, tenantID string) (*domain.DunningStats, error) {
	return s.repo.GetDunningStats(ctx, tenantID)
}

// RunDueAttempts executes one batch of due attempts in parallel. One
// attempt's failure never aborts its siblings; errors are tallied and the
// batch always settles before returning.
func (s Service) RunDueAttempts(ctx context.Context, batchSize int) (*DueAttemptRunResult, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	due, err := s.repo.ListDueAttempts(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due attempts: %w", err)
	}

	result := &DueAttemptRunResult{Evaluated: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, attempt := range due {
		wg.Add(1)
		go func(a domain.DunningAttempt) {
			defer wg.Done()
			outcome, err := s.ExecuteAttempt(ctx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors++
				s.logger.Error("dunning attempt execution failed", "attempt_id", a.ID, "invoice_id", a.InvoiceID, "error", err)
			case outcome.NoOp:
				result.NoOps++
			case outcome.Success:
				result.Succeeded++
			default:
				result.Failed++
			}
		}(attempt)
	}
	wg.Wait()
	return result, nil
}

// SweepMissedInvoices starts dunning for overdue open invoices the failure
// signal never reached, continuing past individual failures.
func (s Service) SweepMissedInvoices(ctx context.Context, dueMargin time.Duration, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = 200
	}
	cutoff := time.Now().UTC().Add(-dueMargin)
	candidates, err := s.repo.ListDunningCandidates(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dunning candidates: %w", err)
	}

	result := &SweepResult{Candidates: len(candidates)}
	for _, invoice := range candidates {
		if err := s.StartDunning(ctx, invoice.ID); err != nil {
			result.Errors++
			s.logger.Error("failed to start dunning for overdue invoice", "invoice_id", invoice.ID, "error", err)
			continue
		}
		result.Started++
	}
	return result, nil
}

// ReclaimStaleAttempts releases attempts a crashed worker left in
// processing, returning how many became pending again.
func (s Service) ReclaimStaleAttempts(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	released, err := s.repo.ReleaseStaleAttempts(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.logger.Warn("released stale processing attempts", "count", released)
	}
	return released, nil
}

func (s Service) tenantConfig(ctx context.Context, tenantID string) (domain.DunningConfig, error) {
	stored, err := s.repo.GetDunningConfig(ctx, tenantID)
	if err != nil {
		return domain.DunningConfig{}, fmt.Errorf("failed to load dunning configuration: %w", err)
	}
	if stored == nil {
		return domain.DefaultDunningConfig(tenantID), nil
	}
	return *stored, nil
}

// transitionSignal bundles the event and the optional customer notification
// attached to one state transition.
type transitionSignal struct {
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       map[string]interface{}
	Config        domain.DunningConfig
	CustomerID    uuid.UUID
	InvoiceID     uuid.UUID
	Template      string
	Variables     map[string]interface{}
}

// signalTransition publishes the transition event and then best-effort
// notifies the customer. Failures in either step are logged and discarded;
// state transitions never block on downstream delivery.
func (s Service) signalTransition(ctx context.Context, sig transitionSignal) {
	if s.publisher != nil {
		envelope := domain.EventEnvelope{
			EventType:     sig.EventType,
			AggregateType: sig.AggregateType,
			AggregateID:   sig.AggregateID,
			Payload:       sig.Payload,
			Timestamp:     time.Now().UTC(),
		}
		if err := s.publisher.Publish(ctx, s.eventsExchange, sig.EventType, envelope); err != nil {
			s.logger.Warn("failed to publish dunning event", "event_type", sig.EventType, "aggregate_id", sig.AggregateID, "error", err)
		}
	}

	if sig.Template == "" || s.notifier == nil {
		return
	}
	if !sig.Config.EmailsEnabled {
		return
	}
	if err := s.notifier.Send(ctx, sig.Config.TenantID, sig.CustomerID, sig.InvoiceID, sig.Template, sig.Variables); err != nil {
		s.logger.Warn("failed to send dunning notification", "template", sig.Template, "invoice_id", sig.InvoiceID, "error", err)
	}
}

func chargeRequestFor(invoice *domain.Invoice) domain.ChargeRequest {
	return domain.ChargeRequest{
		InvoiceID:          invoice.ID,
		TenantID:           invoice.TenantID,
		ProviderInvoiceRef: invoice.ProviderInvoiceRef,
		Amount:             invoice.AmountDue,
		Currency:           invoice.Currency,
	}
}

func outcomeFromAttempt(a *domain.DunningAttempt, noOp bool) *domain.AttemptOutcome {
	out := &domain.AttemptOutcome{
		AttemptID:     a.ID,
		InvoiceID:     a.InvoiceID,
		AttemptNumber: a.AttemptNumber,
		Status:        a.Status,
		FailureReason: a.FailureReason,
		DeclineCode:   a.DeclineCode,
		NoOp:          noOp,
	}
	if a.Success != nil {
		out.Success = *a.Success
	} else {
		out.Success = a.Status == domain.AttemptStatusSucceeded
	}
	return out
}

func markSucceeded(a *domain.DunningAttempt) {
	a.Status = domain.AttemptStatusSucceeded
	success := true
	a.Success = &success
}

func markFailed(a *domain.DunningAttempt, reason string, declineCode *string) {
	a.Status = domain.AttemptStatusFailed
	success := false
	a.Success = &success
	a.FailureReason = &reason
	a.DeclineCode = declineCode
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
