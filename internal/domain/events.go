/**
 * @description
 * Event and notification contracts: routing keys the engine publishes,
 * template identifiers the mailer contract requires verbatim, and the
 * payload shapes exchanged over the billing topic exchange.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events the engine publishes.
const (
	EventDunningStarted            = "dunning.started"
	EventDunningAttemptFailed      = "dunning.attempt_failed"
	EventDunningAttemptSucceeded   = "dunning.attempt_succeeded"
	EventDunningFinalAttemptFailed = "dunning.final_attempt_failed"
	EventDunningEnded              = "dunning.ended"

	EventSubscriptionSuspended   = "subscription.suspended"
	EventSubscriptionCanceled    = "subscription.canceled"
	EventSubscriptionReactivated = "subscription.reactivated"
)

// Routing keys the payment-event consumer subscribes to.
const (
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// Aggregate types emitted events are anchored to.
const (
	AggregateTypeInvoice      = "invoice"
	AggregateTypeSubscription = "subscription"
)

// Notification template identifiers. The mailer rejects anything outside
// this set, so the exact strings matter.
const (
	TemplatePaymentFailed         = "payment_failed"
	TemplatePaymentReminder       = "payment_reminder"
	TemplateFinalWarning          = "final_warning"
	TemplateSubscriptionSuspended = "subscription_suspended"
	TemplateSubscriptionCanceled  = "subscription_canceled"
	TemplatePaymentRecovered      = "payment_recovered"
)

// EventEnvelope is the wire shape for published events.
type EventEnvelope struct {
	EventType     string                 `json:"event_type"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// InvoiceEventMessage is the payload billing publishes on the invoice
// lifecycle routing keys this service consumes.
type InvoiceEventMessage struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
