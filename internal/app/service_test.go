package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zentla/dunning-service/internal/domain"
	"github.com/zentla/dunning-service/internal/store"
)

// fakeRepo is an in-memory Repository with the same conditional-update
// semantics as the postgres implementation, so claim races and episode
// transitions behave like production.
type fakeRepo struct {
	mu            sync.Mutex
	invoices      map[uuid.UUID]*domain.Invoice
	attempts      map[uuid.UUID]*domain.DunningAttempt
	subscriptions map[uuid.UUID]*domain.Subscription
	configs       map[string]*domain.DunningConfig
	failWith      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		invoices:      make(map[uuid.UUID]*domain.Invoice),
		attempts:      make(map[uuid.UUID]*domain.DunningAttempt),
		subscriptions: make(map[uuid.UUID]*domain.Subscription),
		configs:       make(map[string]*domain.DunningConfig),
	}
}

func (f *fakeRepo) FindInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, store.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeRepo) OpenDunningEpisode(ctx context.Context, invoiceID uuid.UUID, startedAt time.Time, firstAttempt *domain.DunningAttempt) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	inv, ok := f.invoices[invoiceID]
	if !ok || inv.Status != domain.InvoiceStatusOpen || inv.DunningStartedAt != nil {
		return false, nil
	}
	inv.DunningStartedAt = &startedAt
	inv.DunningAttemptCount = 0
	if firstAttempt != nil {
		cp := *firstAttempt
		f.attempts[cp.ID] = &cp
		at := cp.ScheduledAt
		inv.NextDunningAttemptAt = &at
	}
	return true, nil
}

func (f *fakeRepo) ListDunningCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.Invoice
	for _, inv := range f.invoices {
		if inv.Status == domain.InvoiceStatusOpen && inv.DunningStartedAt == nil && inv.DueDate.Before(dueBefore) {
			out = append(out, *inv)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) ListInvoicesInDunning(ctx context.Context, opts domain.DunningListOptions) (*domain.DunningPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := &domain.DunningPage{}
	for _, inv := range f.invoices {
		if inv.InDunning() && (opts.TenantID == "" || inv.TenantID == opts.TenantID) {
			page.Invoices = append(page.Invoices, *inv)
		}
	}
	return page, nil
}

func (f *fakeRepo) FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.DunningAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	a, ok := f.attempts[attemptID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) ClaimDunningAttempt(ctx context.Context, attemptID uuid.UUID, executedAt time.Time) (*domain.DunningAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	a, ok := f.attempts[attemptID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	if a.Status != domain.AttemptStatusPending {
		return nil, nil
	}
	a.Status = domain.AttemptStatusProcessing
	a.ExecutedAt = &executedAt
	cp := *a
	return &cp, nil
}

func (f *fakeRepo) MarkAttemptSucceeded(ctx context.Context, attemptID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[attemptID]
	if !ok {
		return store.ErrAttemptNotFound
	}
	a.Status = domain.AttemptStatusSucceeded
	success := true
	a.Success = &success
	return nil
}

func (f *fakeRepo) MarkAttemptFailed(ctx context.Context, attemptID uuid.UUID, failureReason string, declineCode *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[attemptID]
	if !ok {
		return store.ErrAttemptNotFound
	}
	a.Status = domain.AttemptStatusFailed
	success := false
	a.Success = &success
	a.FailureReason = &failureReason
	a.DeclineCode = declineCode
	return nil
}

func (f *fakeRepo) ScheduleNextAttempt(ctx context.Context, params store.ScheduleNextAttemptParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	inv, ok := f.invoices[params.Attempt.InvoiceID]
	if !ok {
		return false, store.ErrInvoiceNotFound
	}
	if inv.DunningStartedAt == nil || inv.DunningEndedAt != nil {
		return false, nil
	}
	if inv.DunningAttemptCount != params.AttemptCount-1 {
		return false, nil
	}
	cp := params.Attempt
	f.attempts[cp.ID] = &cp
	inv.DunningAttemptCount = params.AttemptCount
	at := params.NextAttemptAt
	inv.NextDunningAttemptAt = &at
	return true, nil
}

func (f *fakeRepo) ListDueAttempts(ctx context.Context, dueAt time.Time, limit int) ([]domain.DunningAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.DunningAttempt
	for _, a := range f.attempts {
		if a.Status == domain.AttemptStatusPending && !a.ScheduledAt.After(dueAt) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ReleaseStaleAttempts(ctx context.Context, claimedBefore time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, a := range f.attempts {
		if a.Status == domain.AttemptStatusProcessing && a.ExecutedAt != nil && a.ExecutedAt.Before(claimedBefore) {
			a.Status = domain.AttemptStatusPending
			a.ExecutedAt = nil
			released++
		}
	}
	return released, nil
}

func (f *fakeRepo) EndDunningEpisode(ctx context.Context, params store.EndDunningEpisodeParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	inv, ok := f.invoices[params.InvoiceID]
	if !ok || inv.DunningStartedAt == nil || inv.DunningEndedAt != nil {
		return false, nil
	}
	endedAt := params.EndedAt
	inv.DunningEndedAt = &endedAt
	inv.NextDunningAttemptAt = nil
	if params.FreezeAttemptCount != nil {
		inv.DunningAttemptCount = *params.FreezeAttemptCount
	}
	for _, a := range f.attempts {
		if a.InvoiceID != params.InvoiceID {
			continue
		}
		if a.Status == domain.AttemptStatusPending {
			a.Status = domain.AttemptStatusSkipped
			if params.SkipReason != nil {
				a.FailureReason = params.SkipReason
			}
		} else if a.Status == domain.AttemptStatusProcessing && params.PromoteProcessing {
			a.Status = domain.AttemptStatusSucceeded
			success := true
			a.Success = &success
		}
	}
	return true, nil
}

func (f *fakeRepo) FindSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeRepo) SetSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	sub.Status = status
	return nil
}

func (f *fakeRepo) GetDunningConfig(ctx context.Context, tenantID string) (*domain.DunningConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	cfg, ok := f.configs[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (f *fakeRepo) UpsertDunningConfig(ctx context.Context, cfg domain.DunningConfig) (*domain.DunningConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := cfg
	f.configs[cfg.TenantID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRepo) GetDunningStats(ctx context.Context, tenantID string) (*domain.DunningStats, error) {
	return &domain.DunningStats{}, nil
}

func (f *fakeRepo) attemptsFor(invoiceID uuid.UUID) []domain.DunningAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DunningAttempt
	for _, a := range f.attempts {
		if a.InvoiceID == invoiceID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

type stubProvider struct {
	attemptFn func(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error)
	payNowFn  func(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error)
	attempts  atomic.Int64
	payNows   atomic.Int64
}

func (p *stubProvider) AttemptPayment(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	p.attempts.Add(1)
	return p.attemptFn(ctx, req)
}

func (p *stubProvider) PayNow(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	p.payNows.Add(1)
	return p.payNowFn(ctx, req)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	envelope   domain.EventEnvelope
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	env, _ := body.(domain.EventEnvelope)
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, envelope: env})
	return nil
}

func (p *stubPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type sentNotification struct {
	tenantID  string
	invoiceID uuid.UUID
	template  string
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *stubNotifier) Send(ctx context.Context, tenantID string, customerID, invoiceID uuid.UUID, templateType string, variables map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotification{tenantID: tenantID, invoiceID: invoiceID, template: templateType})
	return nil
}

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func approveCharges(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	return &domain.ChargeOutcome{OK: true, ProviderRef: "ch_test"}, nil
}

func declineCharges(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	return &domain.ChargeOutcome{OK: false, FailureReason: "card_declined", DeclineCode: "insufficient_funds"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo *fakeRepo, provider *stubProvider, publisher *stubPublisher, notifier *stubNotifier, limiter RetryRateLimiter) Service {
	return NewService(repo, provider, publisher, notifier, limiter, testLogger(), "zentla.events", 3, 3600)
}

func seedInvoice(repo *fakeRepo, tenantID string, withSubscription bool) *domain.Invoice {
	inv := &domain.Invoice{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		CustomerID:         uuid.New(),
		Status:             domain.InvoiceStatusOpen,
		Currency:           "usd",
		AmountDue:          4999,
		DueDate:            time.Now().UTC().Add(-48 * time.Hour),
		ProviderInvoiceRef: "inv_" + uuid.NewString()[:8],
	}
	if withSubscription {
		subID := uuid.New()
		inv.SubscriptionID = &subID
		repo.subscriptions[subID] = &domain.Subscription{ID: subID, TenantID: tenantID, Status: domain.SubscriptionStatusPaymentFailed}
	}
	repo.invoices[inv.ID] = inv
	return inv
}

func seedConfig(repo *fakeRepo, tenantID string, schedule []int, maxAttempts int, finalAction string, emailsEnabled bool) {
	repo.configs[tenantID] = &domain.DunningConfig{
		TenantID:      tenantID,
		RetrySchedule: schedule,
		MaxAttempts:   maxAttempts,
		FinalAction:   finalAction,
		EmailsEnabled: emailsEnabled,
	}
}

func TestStartDunningSchedulesFirstAttempt(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	notifier := &stubNotifier{}
	svc := newTestService(repo, &stubProvider{}, publisher, notifier, nil)
	inv := seedInvoice(repo, "tenant_a", true)

	before := time.Now().UTC()
	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}

	stored := repo.invoices[inv.ID]
	if stored.DunningStartedAt == nil {
		t.Fatal("expected dunning_started_at to be set")
	}
	if stored.DunningAttemptCount != 0 {
		t.Errorf("expected attempt count 0 before any attempt settles, got %d", stored.DunningAttemptCount)
	}

	attempts := repo.attemptsFor(inv.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(attempts))
	}
	first := attempts[0]
	if first.AttemptNumber != 1 {
		t.Errorf("expected attempt number 1, got %d", first.AttemptNumber)
	}
	if first.Status != domain.AttemptStatusPending {
		t.Errorf("expected pending attempt, got %q", first.Status)
	}
	// Default schedule puts attempt #1 one day after the episode start.
	wantAt := stored.DunningStartedAt.AddDate(0, 0, 1)
	if !first.ScheduledAt.Equal(wantAt) {
		t.Errorf("expected first attempt at %v, got %v", wantAt, first.ScheduledAt)
	}
	if first.ScheduledAt.Before(before) {
		t.Errorf("first attempt scheduled in the past: %v", first.ScheduledAt)
	}
	if stored.NextDunningAttemptAt == nil || !stored.NextDunningAttemptAt.Equal(first.ScheduledAt) {
		t.Errorf("next attempt pointer not aligned with the pending attempt")
	}

	keys := publisher.routingKeys()
	if len(keys) != 1 || keys[0] != domain.EventDunningStarted {
		t.Errorf("expected a single dunning.started event, got %v", keys)
	}
	env := publisher.events[0].envelope
	if env.AggregateType != domain.AggregateTypeInvoice || env.AggregateID != inv.ID.String() {
		t.Errorf("event anchored to %s %q, want invoice %q", env.AggregateType, env.AggregateID, inv.ID)
	}
	if publisher.events[0].exchange != "zentla.events" {
		t.Errorf("expected the billing exchange, got %q", publisher.events[0].exchange)
	}
	// Default config keeps emails off.
	if len(notifier.sent) != 0 {
		t.Errorf("expected no notification with emails disabled, got %d", len(notifier.sent))
	}
}

func TestStartDunningIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	svc := newTestService(repo, &stubProvider{}, publisher, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("first StartDunning returned error: %v", err)
	}
	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("second StartDunning returned error: %v", err)
	}

	if got := len(repo.attemptsFor(inv.ID)); got != 1 {
		t.Errorf("expected one attempt after duplicate start, got %d", got)
	}
	if got := len(publisher.routingKeys()); got != 1 {
		t.Errorf("expected one event after duplicate start, got %d", got)
	}
}

func TestStartDunningIgnoresNonOpenInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubProvider{}, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)
	repo.invoices[inv.ID].Status = domain.InvoiceStatusPaid

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	if repo.invoices[inv.ID].DunningStartedAt != nil {
		t.Error("expected no episode for a paid invoice")
	}
}

func TestStartDunningMissingInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubProvider{}, &stubPublisher{}, &stubNotifier{}, nil)

	err := svc.StartDunning(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestStartDunningEmptyScheduleOpensEpisodeWithoutAttempt(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	svc := newTestService(repo, &stubProvider{}, publisher, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)
	repo.configs["tenant_a"] = &domain.DunningConfig{TenantID: "tenant_a", RetrySchedule: nil, MaxAttempts: 4, FinalAction: domain.FinalActionSuspend}

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	if repo.invoices[inv.ID].DunningStartedAt == nil {
		t.Fatal("expected the episode to open even with an empty schedule")
	}
	if got := len(repo.attemptsFor(inv.ID)); got != 0 {
		t.Errorf("expected no attempts with an empty schedule, got %d", got)
	}
	if got := len(publisher.routingKeys()); got != 0 {
		t.Errorf("expected no events with an empty schedule, got %d", got)
	}
}

func TestExecuteAttemptSuccessEndsEpisode(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	provider := &stubProvider{attemptFn: approveCharges}
	svc := newTestService(repo, provider, publisher, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}
	if !outcome.Success || outcome.NoOp {
		t.Fatalf("expected a real success outcome, got %+v", outcome)
	}
	if got := repo.attemptsFor(inv.ID)[0].Status; got != domain.AttemptStatusSucceeded {
		t.Errorf("expected succeeded attempt, got %q", got)
	}

	stored := repo.invoices[inv.ID]
	if stored.DunningEndedAt == nil {
		t.Error("expected the episode to end after a successful charge")
	}
	if stored.NextDunningAttemptAt != nil {
		t.Error("expected the next attempt pointer to clear")
	}
	if got := repo.subscriptions[*inv.SubscriptionID].Status; got != domain.SubscriptionStatusActive {
		t.Errorf("expected reactivated subscription, got %q", got)
	}

	keys := publisher.routingKeys()
	want := []string{domain.EventDunningStarted, domain.EventSubscriptionReactivated, domain.EventDunningAttemptSucceeded}
	if len(keys) != len(want) {
		t.Fatalf("expected events %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, keys)
		}
	}
}

func TestExecuteAttemptDeclineSchedulesNext(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	notifier := &stubNotifier{}
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, publisher, notifier, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3, 5, 7}, 4, domain.FinalActionSuspend, true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}
	if outcome.Success || outcome.NoOp {
		t.Fatalf("expected a settled failure outcome, got %+v", outcome)
	}
	if outcome.FailureReason == nil || *outcome.FailureReason != "card_declined" {
		t.Errorf("expected failure reason card_declined, got %v", outcome.FailureReason)
	}

	attempts := repo.attemptsFor(inv.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected a follow-up attempt, got %d attempts", len(attempts))
	}
	next := attempts[1]
	if next.AttemptNumber != 2 || next.Status != domain.AttemptStatusPending {
		t.Errorf("unexpected follow-up attempt: number=%d status=%q", next.AttemptNumber, next.Status)
	}

	stored := repo.invoices[inv.ID]
	// Offsets anchor at the episode start: attempt #2 fires on day 3.
	wantAt := stored.DunningStartedAt.AddDate(0, 0, 3)
	if !next.ScheduledAt.Equal(wantAt) {
		t.Errorf("expected attempt #2 at %v, got %v", wantAt, next.ScheduledAt)
	}
	if stored.DunningAttemptCount != 1 {
		t.Errorf("expected one consumed attempt, got %d", stored.DunningAttemptCount)
	}
	if stored.DunningEndedAt != nil {
		t.Error("episode must stay active after a non-final decline")
	}

	if len(notifier.sent) != 2 {
		t.Fatalf("expected start + reminder notifications, got %d", len(notifier.sent))
	}
	if notifier.sent[1].template != domain.TemplatePaymentReminder {
		t.Errorf("expected payment_reminder, got %q", notifier.sent[1].template)
	}
}

func TestExecuteAttemptFinalWarningBeforeLastAllowedAttempt(t *testing.T) {
	repo := newFakeRepo()
	notifier := &stubNotifier{}
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, notifier, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3}, 2, domain.FinalActionSuspend, true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID
	if _, err := svc.ExecuteAttempt(context.Background(), attemptID); err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}

	last := notifier.sent[len(notifier.sent)-1]
	if last.template != domain.TemplateFinalWarning {
		t.Errorf("expected final_warning when the next attempt is the last allowed, got %q", last.template)
	}
}

func TestExecuteAttemptExhaustionAppliesFinalAction(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	notifier := &stubNotifier{}
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, publisher, notifier, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3}, 2, domain.FinalActionSuspend, true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	first := repo.attemptsFor(inv.ID)[0].ID
	if _, err := svc.ExecuteAttempt(context.Background(), first); err != nil {
		t.Fatalf("attempt 1 returned error: %v", err)
	}
	second := repo.attemptsFor(inv.ID)[1].ID
	outcome, err := svc.ExecuteAttempt(context.Background(), second)
	if err != nil {
		t.Fatalf("attempt 2 returned error: %v", err)
	}
	if outcome.Success {
		t.Fatal("expected the final attempt to fail")
	}

	stored := repo.invoices[inv.ID]
	if stored.DunningEndedAt == nil {
		t.Fatal("expected the episode to end at exhaustion")
	}
	if stored.DunningAttemptCount != 2 {
		t.Errorf("expected the count frozen at 2, got %d", stored.DunningAttemptCount)
	}
	if stored.NextDunningAttemptAt != nil {
		t.Error("expected no next attempt after exhaustion")
	}
	if got := len(repo.attemptsFor(inv.ID)); got != 2 {
		t.Errorf("expected no attempt beyond the last allowed, got %d", got)
	}
	if got := repo.subscriptions[*inv.SubscriptionID].Status; got != domain.SubscriptionStatusSuspended {
		t.Errorf("expected suspended subscription, got %q", got)
	}

	keys := publisher.routingKeys()
	wantTail := []string{domain.EventDunningFinalAttemptFailed, domain.EventSubscriptionSuspended, domain.EventDunningEnded}
	if len(keys) < len(wantTail) {
		t.Fatalf("missing exhaustion events, got %v", keys)
	}
	tail := keys[len(keys)-len(wantTail):]
	for i := range wantTail {
		if tail[i] != wantTail[i] {
			t.Fatalf("expected trailing events %v, got %v", wantTail, tail)
		}
	}

	last := notifier.sent[len(notifier.sent)-1]
	if last.template != domain.TemplateSubscriptionSuspended {
		t.Errorf("expected subscription_suspended notification, got %q", last.template)
	}
}

func TestExecuteAttemptExhaustsWhenScheduleRunsOut(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	// One schedule entry but a higher cap: the schedule is the binding limit.
	seedConfig(repo, "tenant_a", []int{1}, 4, domain.FinalActionSuspend, false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID
	if _, err := svc.ExecuteAttempt(context.Background(), attemptID); err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}

	stored := repo.invoices[inv.ID]
	if stored.DunningEndedAt == nil {
		t.Fatal("expected exhaustion when the schedule has no next offset")
	}
	if stored.DunningAttemptCount != 1 {
		t.Errorf("expected the count frozen at 1, got %d", stored.DunningAttemptCount)
	}
	if got := repo.subscriptions[*inv.SubscriptionID].Status; got != domain.SubscriptionStatusSuspended {
		t.Errorf("expected suspended subscription, got %q", got)
	}
}

func TestExecuteAttemptLostClaimIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{attemptFn: approveCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	// Another worker already holds the claim.
	if _, err := repo.ClaimDunningAttempt(context.Background(), attemptID, time.Now().UTC()); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}

	outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}
	if !outcome.NoOp {
		t.Fatalf("expected a no-op outcome for a lost claim, got %+v", outcome)
	}
	if got := provider.attempts.Load(); got != 0 {
		t.Errorf("provider must not be called after a lost claim, got %d calls", got)
	}
}

func TestExecuteAttemptSkipsChargeWhenInvoiceAlreadyPaid(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	repo.invoices[inv.ID].Status = domain.InvoiceStatusPaid
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success without charging, got %+v", outcome)
	}
	if got := provider.attempts.Load(); got != 0 {
		t.Errorf("provider must not be called for a paid invoice, got %d calls", got)
	}
	if repo.invoices[inv.ID].DunningEndedAt == nil {
		t.Error("expected the episode to end for a paid invoice")
	}
}

func TestExecuteAttemptProviderOutageLeavesProcessing(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{attemptFn: func(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
		return nil, errors.New("connection refused")
	}}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	if _, err := svc.ExecuteAttempt(context.Background(), attemptID); err == nil {
		t.Fatal("expected a transport error to propagate")
	}
	if got := repo.attemptsFor(inv.ID)[0].Status; got != domain.AttemptStatusProcessing {
		t.Fatalf("expected the attempt to stay processing, got %q", got)
	}

	// The stale reclaim hands the attempt back to the scheduler.
	released, err := svc.ReclaimStaleAttempts(context.Background(), -time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleAttempts returned error: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected one released attempt, got %d", released)
	}
	if got := repo.attemptsFor(inv.ID)[0].Status; got != domain.AttemptStatusPending {
		t.Errorf("expected the attempt back in pending, got %q", got)
	}
}

func TestExecuteAttemptReclaimedWorkerCannotDuplicateFollowUp(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{}
	publisher := &stubPublisher{}
	svc := newTestService(repo, provider, publisher, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3, 5}, 3, domain.FinalActionSuspend, false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	// The first worker stalls mid-charge long enough for the stale reclaim
	// to release its claim and for a second worker to re-execute the same
	// attempt to completion. The stalled worker then wakes up and finishes
	// its own code path against an attempt that was already settled.
	var stalled atomic.Bool
	provider.attemptFn = func(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
		if stalled.CompareAndSwap(false, true) {
			if _, err := svc.ReclaimStaleAttempts(ctx, -time.Minute); err != nil {
				t.Errorf("ReclaimStaleAttempts returned error: %v", err)
			}
			if _, err := svc.ExecuteAttempt(ctx, attemptID); err != nil {
				t.Errorf("racing ExecuteAttempt returned error: %v", err)
			}
		}
		return declineCharges(ctx, req)
	}

	if _, err := svc.ExecuteAttempt(context.Background(), attemptID); err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}

	attempts := repo.attemptsFor(inv.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts after the race, got %d", len(attempts))
	}
	var pending, secondRows int
	for _, a := range attempts {
		if a.Status == domain.AttemptStatusPending {
			pending++
		}
		if a.AttemptNumber == 2 {
			secondRows++
		}
	}
	if pending != 1 {
		t.Errorf("expected exactly one pending follow-up, got %d", pending)
	}
	if secondRows != 1 {
		t.Errorf("expected a single attempt #2 row, got %d", secondRows)
	}
	if got := repo.invoices[inv.ID].DunningAttemptCount; got != 1 {
		t.Errorf("expected consumed count 1 after one settled attempt, got %d", got)
	}
}

func TestExecuteAttemptConcurrentClaimChargesOnce(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{attemptFn: approveCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	const workers = 16
	outcomes := make(chan *domain.AttemptOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
			if err != nil {
				t.Errorf("ExecuteAttempt returned error: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var settled int
	for outcome := range outcomes {
		if !outcome.NoOp {
			settled++
		}
	}
	if settled != 1 {
		t.Errorf("expected exactly one worker to settle the attempt, got %d", settled)
	}
	if got := provider.attempts.Load(); got != 1 {
		t.Errorf("expected exactly one charge, got %d", got)
	}
}

func TestExecuteAttemptStopDuringChargeSuppressesFollowUp(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	provider := &stubProvider{}
	svc := newTestService(repo, provider, publisher, &stubNotifier{}, nil)

	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3}, 2, domain.FinalActionSuspend, false)
	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	// An operator stops the episode while the charge is in flight.
	provider.attemptFn = func(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
		if _, err := svc.StopDunning(ctx, inv.ID, "customer_disputed"); err != nil {
			t.Errorf("StopDunning returned error: %v", err)
		}
		return declineCharges(ctx, req)
	}

	outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}
	if outcome.Success {
		t.Error("expected a failed outcome")
	}

	attempts := repo.attemptsFor(inv.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected no follow-up after stop, got %d attempts", len(attempts))
	}
	if attempts[0].Status != domain.AttemptStatusFailed {
		t.Errorf("expected the in-flight attempt recorded failed, got %q", attempts[0].Status)
	}

	got := repo.invoices[inv.ID]
	if got.DunningEndedAt == nil {
		t.Error("expected the episode to stay ended")
	}
	if got.NextDunningAttemptAt != nil {
		t.Error("expected no next attempt pointer after stop")
	}

	keys := publisher.routingKeys()
	want := []string{domain.EventDunningStarted, domain.EventDunningEnded}
	if len(keys) != len(want) {
		t.Fatalf("expected events %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, keys)
		}
	}
}

func TestExecuteAttemptStopDuringChargeSuppressesFinalAction(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	provider := &stubProvider{}
	svc := newTestService(repo, provider, publisher, &stubNotifier{}, nil)

	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1}, 1, domain.FinalActionCancel, false)
	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID

	provider.attemptFn = func(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
		if _, err := svc.StopDunning(ctx, inv.ID, "customer_disputed"); err != nil {
			t.Errorf("StopDunning returned error: %v", err)
		}
		return declineCharges(ctx, req)
	}

	if _, err := svc.ExecuteAttempt(context.Background(), attemptID); err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}

	// The decline exhausted the schedule, but the stop won the episode end:
	// the subscription must be left alone.
	sub := repo.subscriptions[*inv.SubscriptionID]
	if sub.Status != domain.SubscriptionStatusPaymentFailed {
		t.Errorf("expected subscription untouched after stop, got %q", sub.Status)
	}

	keys := publisher.routingKeys()
	want := []string{domain.EventDunningStarted, domain.EventDunningEnded}
	if len(keys) != len(want) {
		t.Fatalf("expected events %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, keys)
		}
	}
}

func TestHandleExternalSuccessSkipsPendingAndReactivates(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	svc := newTestService(repo, &stubProvider{}, publisher, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	if err := svc.HandleExternalSuccess(context.Background(), inv.ID); err != nil {
		t.Fatalf("HandleExternalSuccess returned error: %v", err)
	}

	attempt := repo.attemptsFor(inv.ID)[0]
	if attempt.Status != domain.AttemptStatusSkipped {
		t.Errorf("expected skipped attempt, got %q", attempt.Status)
	}
	if attempt.FailureReason == nil || *attempt.FailureReason != "superseded_by_payment" {
		t.Errorf("expected skip reason superseded_by_payment, got %v", attempt.FailureReason)
	}
	if repo.invoices[inv.ID].DunningEndedAt == nil {
		t.Error("expected the episode to end")
	}
	if got := repo.subscriptions[*inv.SubscriptionID].Status; got != domain.SubscriptionStatusActive {
		t.Errorf("expected reactivated subscription, got %q", got)
	}

	eventsAfterFirst := len(publisher.routingKeys())
	if err := svc.HandleExternalSuccess(context.Background(), inv.ID); err != nil {
		t.Fatalf("second HandleExternalSuccess returned error: %v", err)
	}
	if got := len(publisher.routingKeys()); got != eventsAfterFirst {
		t.Errorf("expected no further events on a duplicate signal, got %d new", got-eventsAfterFirst)
	}
}

func TestHandleExternalSuccessPromotesProcessingAttempt(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubProvider{}, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID
	if _, err := repo.ClaimDunningAttempt(context.Background(), attemptID, time.Now().UTC()); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}

	if err := svc.HandleExternalSuccess(context.Background(), inv.ID); err != nil {
		t.Fatalf("HandleExternalSuccess returned error: %v", err)
	}
	if got := repo.attemptsFor(inv.ID)[0].Status; got != domain.AttemptStatusSucceeded {
		t.Errorf("expected the in-flight attempt promoted to succeeded, got %q", got)
	}
}

func TestStopDunningSkipsPendingWithReason(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	svc := newTestService(repo, &stubProvider{}, publisher, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}

	stopped, err := svc.StopDunning(context.Background(), inv.ID, "customer_disputed")
	if err != nil {
		t.Fatalf("StopDunning returned error: %v", err)
	}
	if !stopped {
		t.Fatal("expected the active episode to stop")
	}

	attempt := repo.attemptsFor(inv.ID)[0]
	if attempt.Status != domain.AttemptStatusSkipped {
		t.Errorf("expected skipped attempt, got %q", attempt.Status)
	}
	if attempt.FailureReason == nil || *attempt.FailureReason != "customer_disputed" {
		t.Errorf("expected the operator reason on the attempt, got %v", attempt.FailureReason)
	}
	// A stop is not a final action; the subscription stays as it was.
	if got := repo.subscriptions[*inv.SubscriptionID].Status; got != domain.SubscriptionStatusPaymentFailed {
		t.Errorf("expected the subscription untouched, got %q", got)
	}

	stopped, err = svc.StopDunning(context.Background(), inv.ID, "customer_disputed")
	if err != nil {
		t.Fatalf("second StopDunning returned error: %v", err)
	}
	if stopped {
		t.Error("expected a no-op on an already ended episode")
	}

	var endedEvents int
	for _, key := range publisher.routingKeys() {
		if key == domain.EventDunningEnded {
			endedEvents++
		}
	}
	if endedEvents != 1 {
		t.Errorf("expected exactly one dunning.ended event, got %d", endedEvents)
	}
}

func TestTriggerManualRetry(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{payNowFn: approveCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)

	result, err := svc.TriggerManualRetry(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("TriggerManualRetry returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected a successful retry, got %+v", result)
	}
	if got := provider.payNows.Load(); got != 1 {
		t.Errorf("expected one pay-now call, got %d", got)
	}
	// Manual retries never touch dunning state.
	if repo.invoices[inv.ID].DunningStartedAt != nil {
		t.Error("manual retry must not open an episode")
	}
}

func TestTriggerManualRetryRefusesNonOpenInvoice(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{payNowFn: approveCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)
	inv := seedInvoice(repo, "tenant_a", false)
	repo.invoices[inv.ID].Status = domain.InvoiceStatusPaid

	result, err := svc.TriggerManualRetry(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("TriggerManualRetry returned error: %v", err)
	}
	if result.Success {
		t.Fatal("expected a refusal for a non-open invoice")
	}
	if result.FailureReason == nil || *result.FailureReason != "invoice_not_open" {
		t.Errorf("expected invoice_not_open, got %v", result.FailureReason)
	}
	if got := provider.payNows.Load(); got != 0 {
		t.Errorf("provider must not be called for a non-open invoice, got %d calls", got)
	}
}

func TestTriggerManualRetryRateLimited(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{payNowFn: approveCharges}
	limiter := &stubLimiter{count: 4, retryAfter: 120}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, limiter)
	inv := seedInvoice(repo, "tenant_a", false)

	_, err := svc.TriggerManualRetry(context.Background(), inv.ID)
	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rateErr.RetryAfterSeconds != 120 {
		t.Errorf("expected retry after 120s, got %d", rateErr.RetryAfterSeconds)
	}
	if got := provider.payNows.Load(); got != 0 {
		t.Errorf("provider must not be called when rate limited, got %d calls", got)
	}
}

func TestTriggerManualRetryFailsOpenOnLimiterOutage(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{payNowFn: approveCharges}
	limiter := &stubLimiter{err: errors.New("redis down")}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, limiter)
	inv := seedInvoice(repo, "tenant_a", false)

	result, err := svc.TriggerManualRetry(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("TriggerManualRetry returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected the retry to proceed despite the limiter outage, got %+v", result)
	}
}

func TestDownstreamFailuresDoNotBlockTransitions(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	notifier := &stubNotifier{err: errors.New("mailer unavailable")}
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, publisher, notifier, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3}, 2, domain.FinalActionSuspend, true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	attemptID := repo.attemptsFor(inv.ID)[0].ID
	outcome, err := svc.ExecuteAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("ExecuteAttempt returned error: %v", err)
	}
	if outcome.NoOp || outcome.Success {
		t.Fatalf("expected a settled failure, got %+v", outcome)
	}
	if got := len(repo.attemptsFor(inv.ID)); got != 2 {
		t.Errorf("expected the follow-up attempt despite downstream failures, got %d attempts", got)
	}
}

func TestUpdateConfigValidation(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubProvider{}, &stubPublisher{}, &stubNotifier{}, nil)

	bad := []domain.DunningConfig{
		{TenantID: "t", RetrySchedule: nil, MaxAttempts: 4, FinalAction: domain.FinalActionSuspend},
		{TenantID: "t", RetrySchedule: []int{0, 3}, MaxAttempts: 4, FinalAction: domain.FinalActionSuspend},
		{TenantID: "t", RetrySchedule: []int{1}, MaxAttempts: 0, FinalAction: domain.FinalActionSuspend},
		{TenantID: "t", RetrySchedule: []int{1}, MaxAttempts: 1, FinalAction: "delete"},
		{TenantID: "t", RetrySchedule: []int{1}, MaxAttempts: 1, FinalAction: domain.FinalActionCancel, GracePeriodDays: -1},
	}
	for i, cfg := range bad {
		if _, err := svc.UpdateConfig(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}

	// Non-ascending schedules are accepted as given.
	stored, err := svc.UpdateConfig(context.Background(), domain.DunningConfig{
		TenantID:      "tenant_a",
		RetrySchedule: []int{7, 3, 5},
		MaxAttempts:   3,
		FinalAction:   domain.FinalActionCancel,
	})
	if err != nil {
		t.Fatalf("UpdateConfig returned error: %v", err)
	}
	if len(stored.RetrySchedule) != 3 || stored.RetrySchedule[0] != 7 {
		t.Errorf("expected the schedule preserved as given, got %v", stored.RetrySchedule)
	}
}

func TestRunDueAttemptsProcessesBatch(t *testing.T) {
	repo := newFakeRepo()
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, &stubPublisher{}, &stubNotifier{}, nil)

	due := seedInvoice(repo, "tenant_a", false)
	notDue := seedInvoice(repo, "tenant_a", false)
	if err := svc.StartDunning(context.Background(), due.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	if err := svc.StartDunning(context.Background(), notDue.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	// Pull the first invoice's attempt into the past; the other stays future.
	dueAttempt := repo.attemptsFor(due.ID)[0]
	repo.attempts[dueAttempt.ID].ScheduledAt = time.Now().UTC().Add(-time.Hour)

	result, err := svc.RunDueAttempts(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunDueAttempts returned error: %v", err)
	}
	if result.Evaluated != 1 {
		t.Fatalf("expected one due attempt, got %d", result.Evaluated)
	}
	if result.Failed != 1 || result.Succeeded != 0 || result.Errors != 0 {
		t.Errorf("unexpected tally: %+v", result)
	}
	if got := repo.attemptsFor(notDue.ID)[0].Status; got != domain.AttemptStatusPending {
		t.Errorf("future attempt must stay pending, got %q", got)
	}
}

func TestSweepMissedInvoicesStartsDunning(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubProvider{}, &stubPublisher{}, &stubNotifier{}, nil)

	missed := seedInvoice(repo, "tenant_a", false)
	already := seedInvoice(repo, "tenant_a", false)
	if err := svc.StartDunning(context.Background(), already.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}

	result, err := svc.SweepMissedInvoices(context.Background(), 24*time.Hour, 200)
	if err != nil {
		t.Fatalf("SweepMissedInvoices returned error: %v", err)
	}
	if result.Candidates != 1 || result.Started != 1 || result.Errors != 0 {
		t.Errorf("unexpected sweep tally: %+v", result)
	}
	if repo.invoices[missed.ID].DunningStartedAt == nil {
		t.Error("expected the missed invoice to enter dunning")
	}
}

// Full lifecycle: two declines on a [1,3]/max-2/cancel policy must walk the
// invoice from a fresh episode to a canceled subscription with a frozen
// attempt count.
func TestDunningLifecycleEndToEnd(t *testing.T) {
	repo := newFakeRepo()
	publisher := &stubPublisher{}
	notifier := &stubNotifier{}
	provider := &stubProvider{attemptFn: declineCharges}
	svc := newTestService(repo, provider, publisher, notifier, nil)
	inv := seedInvoice(repo, "tenant_a", true)
	seedConfig(repo, "tenant_a", []int{1, 3}, 2, domain.FinalActionCancel, true)

	if err := svc.StartDunning(context.Background(), inv.ID); err != nil {
		t.Fatalf("StartDunning returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		attempts := repo.attemptsFor(inv.ID)
		attemptID := attempts[len(attempts)-1].ID
		if _, err := svc.ExecuteAttempt(context.Background(), attemptID); err != nil {
			t.Fatalf("attempt %d returned error: %v", i+1, err)
		}
	}

	stored := repo.invoices[inv.ID]
	if stored.DunningEndedAt == nil || stored.DunningAttemptCount != 2 {
		t.Fatalf("expected an ended episode with 2 consumed attempts, got ended=%v count=%d", stored.DunningEndedAt, stored.DunningAttemptCount)
	}
	if got := repo.subscriptions[*inv.SubscriptionID].Status; got != domain.SubscriptionStatusCanceled {
		t.Errorf("expected canceled subscription, got %q", got)
	}

	want := []string{
		domain.EventDunningStarted,
		domain.EventDunningAttemptFailed,
		domain.EventDunningFinalAttemptFailed,
		domain.EventSubscriptionCanceled,
		domain.EventDunningEnded,
	}
	keys := publisher.routingKeys()
	if len(keys) != len(want) {
		t.Fatalf("expected events %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, keys)
		}
	}

	wantTemplates := []string{
		domain.TemplatePaymentFailed,
		domain.TemplateFinalWarning,
		domain.TemplateSubscriptionCanceled,
	}
	if len(notifier.sent) != len(wantTemplates) {
		t.Fatalf("expected notifications %v, got %d sent", wantTemplates, len(notifier.sent))
	}
	for i := range wantTemplates {
		if notifier.sent[i].template != wantTemplates[i] {
			t.Fatalf("notification %d: expected %q, got %q", i, wantTemplates[i], notifier.sent[i].template)
		}
	}
}
