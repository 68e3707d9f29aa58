package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zentla/dunning-service/internal/domain"
	"github.com/zentla/dunning-service/internal/store"
)

// PaymentEventConsumer reacts to invoice lifecycle events from the billing
// exchange. Handlers return true to acknowledge; false re-queues the
// delivery. Malformed payloads and unknown invoices are acknowledged so a
// bad message cannot wedge the queue.
type PaymentEventConsumer struct {
	service Service
	logger  *slog.Logger
}

func NewPaymentEventConsumer(service Service, logger *slog.Logger) *PaymentEventConsumer {
	return &PaymentEventConsumer{service: service, logger: logger}
}

// HandlePaymentFailed starts a dunning episode for the invoice named in an
// invoice.payment_failed event.
func (c *PaymentEventConsumer) HandlePaymentFailed(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.StartDunning(ctx, event.InvoiceID); err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			c.logger.Warn("no invoice for payment-failed event, dropping", "invoice_id", event.InvoiceID)
			return true
		}
		c.logger.Error("failed to start dunning from payment-failed event", "invoice_id", event.InvoiceID, "error", err)
		return false
	}
	return true
}

// HandlePaymentSucceeded closes any active episode after billing reports the
// invoice paid, whatever channel the money came through.
func (c *PaymentEventConsumer) HandlePaymentSucceeded(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandleExternalSuccess(ctx, event.InvoiceID); err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			c.logger.Warn("no invoice for payment-succeeded event, dropping", "invoice_id", event.InvoiceID)
			return true
		}
		c.logger.Error("failed to settle dunning from payment-succeeded event", "invoice_id", event.InvoiceID, "error", err)
		return false
	}
	return true
}

func (c *PaymentEventConsumer) decode(body []byte) (domain.InvoiceEventMessage, bool) {
	var event domain.InvoiceEventMessage
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("failed to unmarshal invoice event, dropping", "error", err)
		return event, false
	}
	if event.InvoiceID == uuid.Nil {
		c.logger.Error("invoice event missing invoice id, dropping")
		return event, false
	}
	return event, true
}
