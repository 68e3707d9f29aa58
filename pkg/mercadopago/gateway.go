/**
 * @description
 * This package adapts the Mercado Pago SDK to the dunning engine's payment
 * provider contract. A rejected payment is a normal outcome, not an error:
 * the gateway maps any non-approved status to a declined charge outcome and
 * reserves errors for SDK and transport failures.
 *
 * @dependencies
 * - github.com/mercadopago/sdk-go: Official Mercado Pago Go SDK.
 * - github.com/zentla/dunning-service/internal/domain: Charge request/outcome types.
 */
package mercadopago

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"

	"github.com/zentla/dunning-service/internal/domain"
)

var ErrMissingAccessToken = errors.New("missing mercado pago access token")

// Gateway charges invoices through Mercado Pago's payments API.
type Gateway struct {
	client payment.Client
}

// NewGateway creates a Gateway from a Mercado Pago access token.
func NewGateway(accessToken string) (*Gateway, error) {
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}

	cfg, err := config.New(accessToken)
	if err != nil {
		log.Printf("level=error component=mercadopago_gateway msg=\"failed creating sdk config\" err=%v", err)
		return nil, err
	}

	return &Gateway{client: payment.NewClient(cfg)}, nil
}

// AttemptPayment re-charges an invoice as part of a scheduled dunning attempt.
func (g *Gateway) AttemptPayment(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	return g.charge(ctx, req, "dunning_retry")
}

// PayNow re-charges an invoice on an operator's explicit request.
func (g *Gateway) PayNow(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	return g.charge(ctx, req, "manual_retry")
}

func (g *Gateway) charge(ctx context.Context, req domain.ChargeRequest, source string) (*domain.ChargeOutcome, error) {
	// Mercado Pago takes amounts in currency units, invoices carry minor units.
	resp, err := g.client.Create(ctx, payment.Request{
		TransactionAmount: float64(req.Amount) / 100,
		Description:       fmt.Sprintf("invoice %s", req.ProviderInvoiceRef),
		ExternalReference: req.InvoiceID.String(),
		Metadata: map[string]interface{}{
			"tenant_id": req.TenantID,
			"source":    source,
		},
	})
	if err != nil {
		log.Printf("level=warn component=mercadopago_gateway op=charge invoice_id=%s msg=\"sdk create failed\" err=%v", req.InvoiceID, err)
		return nil, err
	}

	outcome := &domain.ChargeOutcome{ProviderRef: fmt.Sprintf("%d", resp.ID)}
	if resp.Status == "approved" {
		outcome.OK = true
		return outcome, nil
	}

	outcome.FailureReason = resp.Status
	if outcome.FailureReason == "" {
		outcome.FailureReason = "payment_declined"
	}
	outcome.DeclineCode = resp.StatusDetail
	return outcome, nil
}
