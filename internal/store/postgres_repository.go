/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL the engine runs against the invoices,
 * dunning_attempts, dunning_configurations and subscriptions tables.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - The pending→processing claim and the episode-ending updates are the
 *   concurrency-sensitive paths: the claim is a single conditional UPDATE
 *   and episode ends run in one transaction so readers never observe a
 *   partially-closed episode.
 */

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zentla/dunning-service/internal/domain"
)

var (
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrAttemptNotFound      = errors.New("dunning attempt not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidCursor        = errors.New("invalid pagination cursor")
)

const invoiceColumns = `id, tenant_id, subscription_id, customer_id, status, currency, amount_due, due_date, provider_invoice_ref, dunning_started_at, dunning_ended_at, dunning_attempt_count, next_dunning_attempt_at, created_at, updated_at`

const attemptColumns = `id, tenant_id, invoice_id, subscription_id, customer_id, attempt_number, status, scheduled_at, executed_at, success, failure_reason, decline_code, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindInvoiceByID retrieves the dunning view of an invoice.
func (r *PostgresRepository) FindInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	var inv domain.Invoice
	err := r.db.QueryRow(ctx, query, invoiceID).Scan(
		&inv.ID,
		&inv.TenantID,
		&inv.SubscriptionID,
		&inv.CustomerID,
		&inv.Status,
		&inv.Currency,
		&inv.AmountDue,
		&inv.DueDate,
		&inv.ProviderInvoiceRef,
		&inv.DunningStartedAt,
		&inv.DunningEndedAt,
		&inv.DunningAttemptCount,
		&inv.NextDunningAttemptAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// OpenDunningEpisode marks the invoice as in dunning and inserts attempt #1
// in the same transaction. The UPDATE carries the re-entry guard: it only
// matches an open invoice that has never entered dunning, so a duplicate
// payment-failure signal finds zero rows and the call reports false.
func (r *PostgresRepository) OpenDunningEpisode(ctx context.Context, invoiceID uuid.UUID, startedAt time.Time, firstAttempt *domain.DunningAttempt) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var nextAttemptAt *time.Time
	if firstAttempt != nil {
		nextAttemptAt = &firstAttempt.ScheduledAt
	}

	query := `
		UPDATE invoices
		SET dunning_started_at = $2, dunning_attempt_count = 0, next_dunning_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND dunning_started_at IS NULL
		RETURNING id
	`
	var claimed uuid.UUID
	err = tx.QueryRow(ctx, query, invoiceID, startedAt, nextAttemptAt).Scan(&claimed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to open dunning episode: %w", err)
	}

	if firstAttempt != nil {
		if err := insertAttemptTx(ctx, tx, *firstAttempt); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit dunning episode: %w", err)
	}
	return true, nil
}

// ListDunningCandidates returns open invoices past due by the caller's
// margin that are linked to a subscription and have never entered dunning.
func (r *PostgresRepository) ListDunningCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status = 'open'
		  AND due_date <= $1
		  AND subscription_id IS NOT NULL
		  AND dunning_started_at IS NULL
		ORDER BY due_date ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, dueBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoiceRows(rows)
}

// ListInvoicesInDunning pages through active episodes newest-first using a
// keyset cursor over (dunning_started_at, id).
func (r *PostgresRepository) ListInvoicesInDunning(ctx context.Context, opts domain.DunningListOptions) (*domain.DunningPage, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE dunning_started_at IS NOT NULL AND dunning_ended_at IS NULL`
	args := []interface{}{}

	if opts.TenantID != "" {
		args = append(args, opts.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if opts.Cursor != "" {
		cursorAt, cursorID, err := decodeListCursor(opts.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		args = append(args, cursorAt)
		query += fmt.Sprintf(" AND (dunning_started_at, id) < ($%d, $%d)", len(args), len(args)+1)
		args = append(args, cursorID)
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY dunning_started_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices, err := scanInvoiceRows(rows)
	if err != nil {
		return nil, err
	}

	page := &domain.DunningPage{Invoices: invoices}
	if len(invoices) > limit {
		page.Invoices = invoices[:limit]
		last := page.Invoices[limit-1]
		page.NextCursor = encodeListCursor(*last.DunningStartedAt, last.ID)
	}
	return page, nil
}

// FindAttemptByID retrieves a single attempt row.
func (r *PostgresRepository) FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.DunningAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM dunning_attempts WHERE id = $1`
	attempt, err := scanAttemptRow(r.db.QueryRow(ctx, query, attemptID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// ClaimDunningAttempt atomically transitions an attempt from pending to
// processing. This conditional UPDATE is the sole mutual-exclusion
// primitive in the system; losing it (zero rows) is a normal outcome
// reported as (nil, nil), never an error.
func (r *PostgresRepository) ClaimDunningAttempt(ctx context.Context, attemptID uuid.UUID, executedAt time.Time) (*domain.DunningAttempt, error) {
	query := `
		UPDATE dunning_attempts
		SET status = 'processing', executed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + attemptColumns + `
	`
	attempt, err := scanAttemptRow(r.db.QueryRow(ctx, query, attemptID, executedAt))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim dunning attempt: %w", err)
	}
	return attempt, nil
}

// MarkAttemptSucceeded records a successful charge on a claimed attempt.
func (r *PostgresRepository) MarkAttemptSucceeded(ctx context.Context, attemptID uuid.UUID) error {
	query := `
		UPDATE dunning_attempts
		SET status = 'succeeded', success = TRUE, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, attemptID)
	if err != nil {
		return fmt.Errorf("failed to mark attempt succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// MarkAttemptFailed records a provider decline on a claimed attempt.
func (r *PostgresRepository) MarkAttemptFailed(ctx context.Context, attemptID uuid.UUID, failureReason string, declineCode *string) error {
	query := `
		UPDATE dunning_attempts
		SET status = 'failed', success = FALSE, failure_reason = $2, decline_code = $3, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, attemptID, failureReason, declineCode)
	if err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// ScheduleNextAttempt inserts attempt N+1 and advances the invoice's
// bookkeeping in one transaction. The invoice UPDATE only matches an episode
// that is still open AND whose consumed count is exactly one behind the
// incoming one. The count condition is what stops a worker whose claim was
// released by the stale reclaim from writing a second follow-up after
// another worker already settled the same attempt. Zero rows matched means
// nothing is written and the call reports false.
func (r *PostgresRepository) ScheduleNextAttempt(ctx context.Context, params ScheduleNextAttemptParams) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE invoices
		SET dunning_attempt_count = $2, next_dunning_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND dunning_started_at IS NOT NULL AND dunning_ended_at IS NULL
			AND dunning_attempt_count = $2 - 1
		RETURNING id
	`
	var claimed uuid.UUID
	err = tx.QueryRow(ctx, query, params.Attempt.InvoiceID, params.AttemptCount, params.NextAttemptAt).Scan(&claimed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to advance invoice dunning bookkeeping: %w", err)
	}

	if err := insertAttemptTx(ctx, tx, params.Attempt); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit next attempt: %w", err)
	}
	return true, nil
}

// ListDueAttempts returns pending attempts whose scheduled time has passed,
// oldest first. Callers race for each row through ClaimDunningAttempt, so a
// plain read is sufficient here.
func (r *PostgresRepository) ListDueAttempts(ctx context.Context, dueAt time.Time, limit int) ([]domain.DunningAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM dunning_attempts
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, dueAt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.DunningAttempt
	for rows.Next() {
		var a domain.DunningAttempt
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.InvoiceID,
			&a.SubscriptionID,
			&a.CustomerID,
			&a.AttemptNumber,
			&a.Status,
			&a.ScheduledAt,
			&a.ExecutedAt,
			&a.Success,
			&a.FailureReason,
			&a.DeclineCode,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ReleaseStaleAttempts resets attempts stuck in processing since before the
// cutoff back to pending. A claim that old means the worker holding it
// crashed or lost connectivity mid-charge.
func (r *PostgresRepository) ReleaseStaleAttempts(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE dunning_attempts
		SET status = 'pending', executed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND executed_at < $1
	`
	tag, err := r.db.Exec(ctx, query, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EndDunningEpisode closes an active episode as one unit. The first UPDATE
// carries the idempotency condition; zero rows means no active episode and
// the whole call is a no-op.
func (r *PostgresRepository) EndDunningEpisode(ctx context.Context, params EndDunningEpisodeParams) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var claimed uuid.UUID
	if params.FreezeAttemptCount != nil {
		query := `
			UPDATE invoices
			SET dunning_ended_at = $2, dunning_attempt_count = $3, next_dunning_attempt_at = NULL, updated_at = NOW()
			WHERE id = $1 AND dunning_started_at IS NOT NULL AND dunning_ended_at IS NULL
			RETURNING id
		`
		err = tx.QueryRow(ctx, query, params.InvoiceID, params.EndedAt, *params.FreezeAttemptCount).Scan(&claimed)
	} else {
		query := `
			UPDATE invoices
			SET dunning_ended_at = $2, next_dunning_attempt_at = NULL, updated_at = NOW()
			WHERE id = $1 AND dunning_started_at IS NOT NULL AND dunning_ended_at IS NULL
			RETURNING id
		`
		err = tx.QueryRow(ctx, query, params.InvoiceID, params.EndedAt).Scan(&claimed)
	}
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to end dunning episode: %w", err)
	}

	skipQuery := `
		UPDATE dunning_attempts
		SET status = 'skipped', failure_reason = COALESCE($2, failure_reason), updated_at = NOW()
		WHERE invoice_id = $1 AND status = 'pending'
	`
	if _, err := tx.Exec(ctx, skipQuery, params.InvoiceID, params.SkipReason); err != nil {
		return false, fmt.Errorf("failed to skip pending attempts: %w", err)
	}

	if params.PromoteProcessing {
		promoteQuery := `
			UPDATE dunning_attempts
			SET status = 'succeeded', success = TRUE, updated_at = NOW()
			WHERE invoice_id = $1 AND status = 'processing'
		`
		if _, err := tx.Exec(ctx, promoteQuery, params.InvoiceID); err != nil {
			return false, fmt.Errorf("failed to promote processing attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit episode end: %w", err)
	}
	return true, nil
}

// FindSubscriptionByID retrieves the slice of the subscription the engine touches.
func (r *PostgresRepository) FindSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT id, tenant_id, status FROM subscriptions WHERE id = $1`
	err := r.db.QueryRow(ctx, query, subscriptionID).Scan(&sub.ID, &sub.TenantID, &sub.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// SetSubscriptionStatus writes the subscription status column.
func (r *PostgresRepository) SetSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string) error {
	query := `UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, subscriptionID, status)
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GetDunningConfig returns the tenant's stored policy, or nil when the
// tenant has never saved one.
func (r *PostgresRepository) GetDunningConfig(ctx context.Context, tenantID string) (*domain.DunningConfig, error) {
	query := `
		SELECT tenant_id, retry_schedule, max_attempts, final_action, grace_period_days, emails_enabled,
		       COALESCE(from_email, ''), COALESCE(from_name, ''), COALESCE(reply_to_email, ''), updated_at
		FROM dunning_configurations
		WHERE tenant_id = $1
	`
	cfg, err := scanConfigRow(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// UpsertDunningConfig inserts or replaces the tenant's policy.
func (r *PostgresRepository) UpsertDunningConfig(ctx context.Context, cfg domain.DunningConfig) (*domain.DunningConfig, error) {
	query := `
		INSERT INTO dunning_configurations
			(tenant_id, retry_schedule, max_attempts, final_action, grace_period_days, emails_enabled, from_email, from_name, reply_to_email, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			retry_schedule = EXCLUDED.retry_schedule,
			max_attempts = EXCLUDED.max_attempts,
			final_action = EXCLUDED.final_action,
			grace_period_days = EXCLUDED.grace_period_days,
			emails_enabled = EXCLUDED.emails_enabled,
			from_email = EXCLUDED.from_email,
			from_name = EXCLUDED.from_name,
			reply_to_email = EXCLUDED.reply_to_email,
			updated_at = NOW()
		RETURNING tenant_id, retry_schedule, max_attempts, final_action, grace_period_days, emails_enabled,
		          COALESCE(from_email, ''), COALESCE(from_name, ''), COALESCE(reply_to_email, ''), updated_at
	`
	stored, err := scanConfigRow(r.db.QueryRow(ctx, query,
		cfg.TenantID,
		int32sFromInts(cfg.RetrySchedule),
		cfg.MaxAttempts,
		cfg.FinalAction,
		cfg.GracePeriodDays,
		cfg.EmailsEnabled,
		cfg.FromEmail,
		cfg.FromName,
		cfg.ReplyToEmail,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert dunning configuration: %w", err)
	}
	return stored, nil
}

// GetDunningStats aggregates the recovery pipeline overview. An empty
// tenantID aggregates across all tenants.
func (r *PostgresRepository) GetDunningStats(ctx context.Context, tenantID string) (*domain.DunningStats, error) {
	stats := &domain.DunningStats{AttemptsByStatus: map[string]int64{}}

	atRiskQuery := `
		SELECT currency, COUNT(*), COALESCE(SUM(amount_due), 0)
		FROM invoices
		WHERE dunning_started_at IS NOT NULL AND dunning_ended_at IS NULL
	`
	atRiskArgs := []interface{}{}
	if tenantID != "" {
		atRiskArgs = append(atRiskArgs, tenantID)
		atRiskQuery += " AND tenant_id = $1"
	}
	atRiskQuery += " GROUP BY currency ORDER BY currency"

	rows, err := r.db.Query(ctx, atRiskQuery, atRiskArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var exposure domain.CurrencyExposure
		if err := rows.Scan(&exposure.Currency, &exposure.InvoiceCount, &exposure.AmountAtRisk); err != nil {
			return nil, err
		}
		stats.AtRisk = append(stats.AtRisk, exposure)
		stats.ActiveEpisodes += exposure.InvoiceCount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recoveryQuery := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (
				WHERE EXISTS (
					SELECT 1 FROM dunning_attempts a
					WHERE a.invoice_id = i.id AND a.status = 'succeeded'
				)
			)
		FROM invoices i
		WHERE i.dunning_started_at IS NOT NULL AND i.dunning_ended_at IS NOT NULL
	`
	recoveryArgs := []interface{}{}
	if tenantID != "" {
		recoveryArgs = append(recoveryArgs, tenantID)
		recoveryQuery += " AND i.tenant_id = $1"
	}
	if err := r.db.QueryRow(ctx, recoveryQuery, recoveryArgs...).Scan(&stats.EndedEpisodes, &stats.RecoveredEpisodes); err != nil {
		return nil, err
	}
	if stats.EndedEpisodes > 0 {
		stats.RecoveryRate = float64(stats.RecoveredEpisodes) / float64(stats.EndedEpisodes)
	}

	histogramQuery := `SELECT status, COUNT(*) FROM dunning_attempts`
	histogramArgs := []interface{}{}
	if tenantID != "" {
		histogramArgs = append(histogramArgs, tenantID)
		histogramQuery += " WHERE tenant_id = $1"
	}
	histogramQuery += " GROUP BY status"

	histRows, err := r.db.Query(ctx, histogramQuery, histogramArgs...)
	if err != nil {
		return nil, err
	}
	defer histRows.Close()
	for histRows.Next() {
		var status string
		var count int64
		if err := histRows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.AttemptsByStatus[status] = count
	}
	return stats, histRows.Err()
}

func insertAttemptTx(ctx context.Context, tx pgx.Tx, a domain.DunningAttempt) error {
	query := `
		INSERT INTO dunning_attempts
			(id, tenant_id, invoice_id, subscription_id, customer_id, attempt_number, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`
	_, err := tx.Exec(ctx, query,
		a.ID,
		a.TenantID,
		a.InvoiceID,
		a.SubscriptionID,
		a.CustomerID,
		a.AttemptNumber,
		a.Status,
		a.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dunning attempt: %w", err)
	}
	return nil
}

func scanAttemptRow(row pgx.Row) (*domain.DunningAttempt, error) {
	var a domain.DunningAttempt
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.InvoiceID,
		&a.SubscriptionID,
		&a.CustomerID,
		&a.AttemptNumber,
		&a.Status,
		&a.ScheduledAt,
		&a.ExecutedAt,
		&a.Success,
		&a.FailureReason,
		&a.DeclineCode,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanInvoiceRows(rows pgx.Rows) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(
			&inv.ID,
			&inv.TenantID,
			&inv.SubscriptionID,
			&inv.CustomerID,
			&inv.Status,
			&inv.Currency,
			&inv.AmountDue,
			&inv.DueDate,
			&inv.ProviderInvoiceRef,
			&inv.DunningStartedAt,
			&inv.DunningEndedAt,
			&inv.DunningAttemptCount,
			&inv.NextDunningAttemptAt,
			&inv.CreatedAt,
			&inv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanConfigRow(row pgx.Row) (*domain.DunningConfig, error) {
	var cfg domain.DunningConfig
	var schedule []int32
	err := row.Scan(
		&cfg.TenantID,
		&schedule,
		&cfg.MaxAttempts,
		&cfg.FinalAction,
		&cfg.GracePeriodDays,
		&cfg.EmailsEnabled,
		&cfg.FromEmail,
		&cfg.FromName,
		&cfg.ReplyToEmail,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.RetrySchedule = intsFromInt32s(schedule)
	return &cfg, nil
}

// intsFromInt32s converts the int4[] column representation to the domain type.
func intsFromInt32s(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// int32sFromInts converts a domain schedule to the int4[] parameter type.
func int32sFromInts(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

// encodeListCursor packs a keyset position into an opaque page token.
func encodeListCursor(startedAt time.Time, id uuid.UUID) string {
	raw := startedAt.UTC().Format(time.RFC3339Nano) + "|" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeListCursor unpacks a page token produced by encodeListCursor.
func decodeListCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, errors.New("malformed cursor")
	}
	startedAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed cursor id: %w", err)
	}
	return startedAt, id, nil
}
