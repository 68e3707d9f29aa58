/**
 * @description
 * This package provides a client for the payment provider's charge API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * provider, handling request body construction, and parsing responses.
 *
 * A declined charge is a successful API call: the provider answers 2xx with a
 * declined status and the decline details, and the client maps that to a
 * charge outcome. Only transport failures and non-2xx responses surface as
 * errors.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/zentla/dunning-service/internal/domain: Charge request/outcome types.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/zentla/dunning-service/internal/domain"
)

// Client is a client for the payment provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment provider API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest represents the payload for the provider's charge endpoint.
type ChargeRequest struct {
	InvoiceRef string `json:"invoice_ref"`
	TenantID   string `json:"tenant_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Source     string `json:"source"`
}

// ChargeResponse is the expected response from the provider's charge endpoint.
type ChargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	DeclineCode   string `json:"decline_code,omitempty"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider api error: %s - %s", e.Code, e.Message)
	}
	return "unknown provider api error"
}

// AttemptPayment re-charges an invoice against the payment method on file as
// part of a scheduled dunning attempt.
func (c *Client) AttemptPayment(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	return c.charge(ctx, req, "dunning_retry")
}

// PayNow re-charges an invoice on an operator's explicit request.
func (c *Client) PayNow(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	return c.charge(ctx, req, "manual_retry")
}

func (c *Client) charge(ctx context.Context, req domain.ChargeRequest, source string) (*domain.ChargeOutcome, error) {
	resp, err := c.doCharge(ctx, ChargeRequest{
		InvoiceRef: req.ProviderInvoiceRef,
		TenantID:   req.TenantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Source:     source,
	})
	if err != nil {
		return nil, err
	}

	outcome := &domain.ChargeOutcome{ProviderRef: resp.ID}
	if resp.Status == "succeeded" {
		outcome.OK = true
		return outcome, nil
	}

	outcome.FailureReason = resp.FailureReason
	if outcome.FailureReason == "" {
		outcome.FailureReason = "payment_declined"
	}
	outcome.DeclineCode = resp.DeclineCode
	return outcome, nil
}

// doCharge executes a charge request against the provider API.
func (c *Client) doCharge(ctx context.Context, payload ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/charges", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-provider-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute charge request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=provider_client op=charge status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=provider_client op=charge status=%d code=%q message=%q", resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &errResp
	}

	var chargeResp ChargeResponse
	if err := json.Unmarshal(bodyBytes, &chargeResp); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}

	return &chargeResp, nil
}
