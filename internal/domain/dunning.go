/**
 * @description
 * Core domain models for the dunning service: tenant retry configuration,
 * the dunning view over an invoice, the attempt ledger, and the pure
 * backoff math shared by the orchestrator and the scheduler.
 *
 * @notes
 * - Amounts are `int64` in the smallest currency unit, which avoids
 *   floating-point inaccuracies with financial data.
 * - Retry schedule entries are day offsets from the episode start
 *   (`dunning_started_at`), not gaps between consecutive attempts.
 */
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attempt statuses. An attempt enters `processing` only through the atomic
// claim; `skipped` only through external success or a manual stop.
const (
	AttemptStatusPending    = "pending"
	AttemptStatusProcessing = "processing"
	AttemptStatusSucceeded  = "succeeded"
	AttemptStatusFailed     = "failed"
	AttemptStatusSkipped    = "skipped"
)

// Subscription statuses the engine reads and writes.
const (
	SubscriptionStatusActive        = "active"
	SubscriptionStatusPaymentFailed = "payment_failed"
	SubscriptionStatusSuspended     = "suspended"
	SubscriptionStatusCanceled      = "canceled"
)

// Invoice statuses the engine inspects. `open` is the only status the
// engine acts on; `paid` observed mid-episode means an external success.
const (
	InvoiceStatusOpen = "open"
	InvoiceStatusPaid = "paid"
)

// Final actions applied to the subscription once retries are exhausted.
const (
	FinalActionSuspend = "suspend"
	FinalActionCancel  = "cancel"
)

// DunningConfig is a tenant's retry policy. Defaults apply when a tenant
// has no stored row.
type DunningConfig struct {
	TenantID        string    `json:"tenant_id"`
	RetrySchedule   []int     `json:"retry_schedule"`
	MaxAttempts     int       `json:"max_attempts"`
	FinalAction     string    `json:"final_action"`
	GracePeriodDays int       `json:"grace_period_days"`
	EmailsEnabled   bool      `json:"emails_enabled"`
	FromEmail       string    `json:"from_email,omitempty"`
	FromName        string    `json:"from_name,omitempty"`
	ReplyToEmail    string    `json:"reply_to_email,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultDunningConfig returns the documented fallback policy: retries on
// days 1, 3, 5 and 7 after the first failure, four attempts, suspension as
// the final action, emails off.
func DefaultDunningConfig(tenantID string) DunningConfig {
	return DunningConfig{
		TenantID:        tenantID,
		RetrySchedule:   []int{1, 3, 5, 7},
		MaxAttempts:     4,
		FinalAction:     FinalActionSuspend,
		GracePeriodDays: 0,
		EmailsEnabled:   false,
	}
}

// NextRetryDate returns when the attempt at the given zero-based schedule
// index should fire, as an absolute offset from the episode start. A nil
// result means the schedule has no entry for that index, which is a
// terminal signal independent of MaxAttempts.
func (c DunningConfig) NextRetryDate(attemptIndex int, firstFailureAt time.Time) *time.Time {
	if attemptIndex < 0 || attemptIndex >= len(c.RetrySchedule) {
		return nil
	}
	d := firstFailureAt.AddDate(0, 0, c.RetrySchedule[attemptIndex])
	return &d
}

// IsExhausted reports whether the episode has consumed its attempt budget.
func (c DunningConfig) IsExhausted(attemptsSoFar int) bool {
	return attemptsSoFar >= c.MaxAttempts
}

// FinalActionDate returns when the final action becomes due after the last
// failed attempt. Equal to lastAttemptAt when no grace period is configured.
func (c DunningConfig) FinalActionDate(lastAttemptAt time.Time) time.Time {
	return lastAttemptAt.AddDate(0, 0, c.GracePeriodDays)
}

// IsLastAllowedAttempt reports whether no attempt can ever follow attempt
// `attemptNumber`: either it reaches the MaxAttempts cap or the schedule
// holds no offset for a successor.
func (c DunningConfig) IsLastAllowedAttempt(attemptNumber int) bool {
	return c.IsExhausted(attemptNumber) || attemptNumber >= len(c.RetrySchedule)
}

// Validate checks a tenant-supplied configuration. Offsets must be positive
// but their order is preserved as given.
func (c DunningConfig) Validate() error {
	if len(c.RetrySchedule) == 0 {
		return errors.New("retry schedule must contain at least one day offset")
	}
	for _, days := range c.RetrySchedule {
		if days <= 0 {
			return fmt.Errorf("retry schedule offsets must be positive, got %d", days)
		}
	}
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.FinalAction != FinalActionSuspend && c.FinalAction != FinalActionCancel {
		return fmt.Errorf("final action must be %q or %q", FinalActionSuspend, FinalActionCancel)
	}
	if c.GracePeriodDays < 0 {
		return errors.New("grace period days cannot be negative")
	}
	return nil
}

// Invoice is the dunning view over a billing invoice. The engine reads the
// identity and amount fields and owns exactly four columns:
// dunning_started_at, dunning_ended_at, dunning_attempt_count and
// next_dunning_attempt_at. Everything else belongs to the billing subsystem.
type Invoice struct {
	ID                   uuid.UUID  `json:"id"`
	TenantID             string     `json:"tenant_id"`
	SubscriptionID       *uuid.UUID `json:"subscription_id,omitempty"`
	CustomerID           uuid.UUID  `json:"customer_id"`
	Status               string     `json:"status"`
	Currency             string     `json:"currency"`
	AmountDue            int64      `json:"amount_due"`
	DueDate              time.Time  `json:"due_date"`
	ProviderInvoiceRef   string     `json:"provider_invoice_ref"`
	DunningStartedAt     *time.Time `json:"dunning_started_at,omitempty"`
	DunningEndedAt       *time.Time `json:"dunning_ended_at,omitempty"`
	DunningAttemptCount  int        `json:"dunning_attempt_count"`
	NextDunningAttemptAt *time.Time `json:"next_dunning_attempt_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// InDunning reports whether the invoice has an open episode.
func (i Invoice) InDunning() bool {
	return i.DunningStartedAt != nil && i.DunningEndedAt == nil
}

// DunningAttempt is one row of the append-only attempt ledger. For a given
// invoice at most one attempt is ever pending or processing at a time.
type DunningAttempt struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       string     `json:"tenant_id"`
	InvoiceID      uuid.UUID  `json:"invoice_id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	AttemptNumber  int        `json:"attempt_number"`
	Status         string     `json:"status"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	Success        *bool      `json:"success,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	DeclineCode    *string    `json:"decline_code,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the attempt can no longer change state.
func (a DunningAttempt) IsTerminal() bool {
	switch a.Status {
	case AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusSkipped:
		return true
	}
	return false
}

// Subscription is the slice of a subscription row the engine touches.
type Subscription struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	Status   string    `json:"status"`
}

// AttemptOutcome is the settled result of one executed attempt. NoOp marks
// outcomes reported for attempts a racing worker had already claimed or
// resolved; the caller treats whatever state it finds as authoritative.
type AttemptOutcome struct {
	AttemptID     uuid.UUID `json:"attempt_id"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	DeclineCode   *string   `json:"decline_code,omitempty"`
	NoOp          bool      `json:"no_op,omitempty"`
}

// ManualRetryResult is the structured response for operator-triggered
// charges. Declines are values here, never errors.
type ManualRetryResult struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	DeclineCode   *string   `json:"decline_code,omitempty"`
}

// ChargeRequest carries what a payment provider needs to re-charge an
// invoice against the payment method on file.
type ChargeRequest struct {
	InvoiceID          uuid.UUID
	TenantID           string
	ProviderInvoiceRef string
	Amount             int64
	Currency           string
}

// ChargeOutcome is the provider's verdict on a single charge. A decline is
// a normal outcome carrying a structured reason; transport failures surface
// as errors from the provider client instead.
type ChargeOutcome struct {
	OK            bool
	FailureReason string
	DeclineCode   string
	ProviderRef   string
}

// DunningListOptions controls keyset pagination over active episodes.
type DunningListOptions struct {
	TenantID string
	Cursor   string
	Limit    int
}

// DunningPage is one page of invoices in active dunning. NextCursor is
// empty on the last page.
type DunningPage struct {
	Invoices   []Invoice `json:"invoices"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// CurrencyExposure aggregates open dunning exposure for one currency.
type CurrencyExposure struct {
	Currency     string `json:"currency"`
	InvoiceCount int64  `json:"invoice_count"`
	AmountAtRisk int64  `json:"amount_at_risk"`
}

// DunningStats is the back-office overview of the recovery pipeline.
// RecoveryRate is recovered episodes over ended episodes, zero when no
// episode has ended yet.
type DunningStats struct {
	ActiveEpisodes    int64              `json:"active_episodes"`
	EndedEpisodes     int64              `json:"ended_episodes"`
	RecoveredEpisodes int64              `json:"recovered_episodes"`
	RecoveryRate      float64            `json:"recovery_rate"`
	AtRisk            []CurrencyExposure `json:"at_risk"`
	AttemptsByStatus  map[string]int64   `json:"attempts_by_status"`
}
