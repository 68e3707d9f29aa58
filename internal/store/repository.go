/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the dunning engine needs. The interface decouples the state
 * machine from PostgreSQL so the orchestrator and scheduler can be tested
 * against hand-written stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zentla/dunning-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Invoice methods
	FindInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error)
	// OpenDunningEpisode conditionally marks the invoice as in dunning and,
	// when firstAttempt is non-nil, inserts attempt #1 in the same
	// transaction. Returns false without error when the invoice is not open
	// or already has an episode (the idempotent re-entry guard).
	OpenDunningEpisode(ctx context.Context, invoiceID uuid.UUID, startedAt time.Time, firstAttempt *domain.DunningAttempt) (bool, error)
	ListDunningCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Invoice, error)
	ListInvoicesInDunning(ctx context.Context, opts domain.DunningListOptions) (*domain.DunningPage, error)

	// Attempt methods
	FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.DunningAttempt, error)
	// ClaimDunningAttempt performs the atomic pending→processing transition,
	// stamping executed_at. A nil attempt with a nil error means the claim
	// was lost to a racing worker; the caller re-reads and accepts whatever
	// state it finds.
	ClaimDunningAttempt(ctx context.Context, attemptID uuid.UUID, executedAt time.Time) (*domain.DunningAttempt, error)
	MarkAttemptSucceeded(ctx context.Context, attemptID uuid.UUID) error
	MarkAttemptFailed(ctx context.Context, attemptID uuid.UUID, failureReason string, declineCode *string) error
	// ScheduleNextAttempt inserts the follow-up pending attempt and advances
	// the invoice's consumed count and next-attempt pointer atomically. The
	// write is conditional on the episode being open and on the stored count
	// being exactly AttemptCount-1, so a worker whose claim was released and
	// re-executed elsewhere cannot add a duplicate follow-up. Returns false
	// without error when the condition fails; nothing is written in that case.
	ScheduleNextAttempt(ctx context.Context, params ScheduleNextAttemptParams) (bool, error)
	ListDueAttempts(ctx context.Context, dueAt time.Time, limit int) ([]domain.DunningAttempt, error)
	// ReleaseStaleAttempts resets processing attempts claimed before the
	// cutoff back to pending, returning how many were released.
	ReleaseStaleAttempts(ctx context.Context, claimedBefore time.Time) (int64, error)

	// EndDunningEpisode closes an active episode as a single all-or-nothing
	// unit: stamps dunning_ended_at, clears the next-attempt pointer, skips
	// pending attempts (recording a reason when given), optionally promotes
	// a processing attempt to succeeded and optionally freezes the consumed
	// count. Returns false without error when no episode is active.
	EndDunningEpisode(ctx context.Context, params EndDunningEpisodeParams) (bool, error)

	// Subscription methods
	FindSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string) error

	// Configuration methods
	// GetDunningConfig returns nil without error when the tenant has no
	// stored row; callers fall back to domain.DefaultDunningConfig.
	GetDunningConfig(ctx context.Context, tenantID string) (*domain.DunningConfig, error)
	UpsertDunningConfig(ctx context.Context, cfg domain.DunningConfig) (*domain.DunningConfig, error)

	// Stats
	GetDunningStats(ctx context.Context, tenantID string) (*domain.DunningStats, error)
}

// ScheduleNextAttemptParams carries the follow-up attempt row together with
// the invoice bookkeeping written alongside it.
type ScheduleNextAttemptParams struct {
	Attempt       domain.DunningAttempt
	AttemptCount  int
	NextAttemptAt time.Time
}

// EndDunningEpisodeParams selects which episode-closing variant to apply.
type EndDunningEpisodeParams struct {
	InvoiceID          uuid.UUID
	EndedAt            time.Time
	SkipReason         *string
	PromoteProcessing  bool
	FreezeAttemptCount *int
}
