/**
 * @description
 * Client for communicating with the transactional mailer service.
 */
package mailerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client provides methods to interact with the mailer service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new mailer service client.
func NewClient(baseURL, apiKey string) *Client {
	normalizedURL := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:    normalizedURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type sendRequest struct {
	TenantID   string                 `json:"tenant_id"`
	CustomerID uuid.UUID              `json:"customer_id"`
	InvoiceID  uuid.UUID              `json:"invoice_id"`
	Template   string                 `json:"template"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

// Send asks the mailer service to render and deliver a templated email to the
// customer on file for the invoice.
func (c *Client) Send(ctx context.Context, tenantID string, customerID, invoiceID uuid.UUID, templateType string, variables map[string]interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("mailer service base URL is not configured")
	}

	payload := sendRequest{
		TenantID:   tenantID,
		CustomerID: customerID,
		InvoiceID:  invoiceID,
		Template:   templateType,
		Variables:  variables,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/internal/notifications/send", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mailer service returned status %d", resp.StatusCode)
	}

	return nil
}
