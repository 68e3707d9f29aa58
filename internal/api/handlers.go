/**
 * @description
 * HTTP handlers for the dunning service. Handlers parse requests, call the
 * orchestrator and map its error taxonomy onto status codes: sentinel
 * not-found errors become 404, configuration refusals 409, a tripped manual
 * retry limiter 429 with Retry-After, and payment declines stay 200 with a
 * structured body.
 */
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/zentla/dunning-service/internal/app"
	"github.com/zentla/dunning-service/internal/domain"
	"github.com/zentla/dunning-service/internal/store"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service app.Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service app.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type stopDunningRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		respondWithError(w, http.StatusBadRequest, "Tenant ID is required")
		return
	}

	cfg, err := h.service.GetConfig(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to load dunning config", "tenant_id", tenantID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to load configuration")
		return
	}

	respondWithJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		respondWithError(w, http.StatusBadRequest, "Tenant ID is required")
		return
	}

	var cfg domain.DunningConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// The URL owns the tenant; a mismatched body cannot write elsewhere.
	cfg.TenantID = tenantID

	stored, err := h.service.UpdateConfig(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, app.ErrInvalidConfig) {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to update dunning config", "tenant_id", tenantID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to update configuration")
		return
	}

	respondWithJSON(w, http.StatusOK, stored)
}

func (h *Handler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	h.writeInvoicePage(w, r, opts)
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	h.writeStats(w, r, r.URL.Query().Get("tenant_id"))
}

func (h *Handler) handleConsoleListInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := TenantFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	opts := listOptionsFromQuery(r)
	opts.TenantID = tenantID
	h.writeInvoicePage(w, r, opts)
}

func (h *Handler) handleConsoleStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := TenantFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.writeStats(w, r, tenantID)
}

func (h *Handler) handleStartDunning(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceIDFromURL(w, r)
	if !ok {
		return
	}

	if err := h.service.StartDunning(r.Context(), invoiceID); err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			respondWithError(w, http.StatusNotFound, "Invoice not found")
			return
		}
		h.logger.Error("failed to start dunning", "invoice_id", invoiceID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to start dunning")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStopDunning(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceIDFromURL(w, r)
	if !ok {
		return
	}

	var payload stopDunningRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stopped, err := h.service.StopDunning(r.Context(), invoiceID, payload.Reason)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			respondWithError(w, http.StatusNotFound, "Invoice not found")
			return
		}
		h.logger.Error("failed to stop dunning", "invoice_id", invoiceID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to stop dunning")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Handler) handleManualRetry(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceIDFromURL(w, r)
	if !ok {
		return
	}

	result, err := h.service.TriggerManualRetry(r.Context(), invoiceID)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			respondWithError(w, http.StatusNotFound, "Invoice not found")
			return
		}
		var rateErr *app.RateLimitedError
		if errors.As(err, &rateErr) {
			w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
			respondWithError(w, http.StatusTooManyRequests, "Manual retry limit reached for this invoice")
			return
		}
		h.logger.Error("failed to trigger manual retry", "invoice_id", invoiceID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to retry invoice")
		return
	}

	// Declines come back 200 with the structured result.
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) writeInvoicePage(w http.ResponseWriter, r *http.Request, opts domain.DunningListOptions) {
	page, err := h.service.ListInvoicesInDunning(r.Context(), opts)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			respondWithError(w, http.StatusBadRequest, "Invalid cursor")
			return
		}
		h.logger.Error("failed to list invoices in dunning", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to list invoices")
		return
	}

	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) writeStats(w http.ResponseWriter, r *http.Request, tenantID string) {
	stats, err := h.service.GetStats(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to load dunning stats", "tenant_id", tenantID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Unable to load stats")
		return
	}

	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) invoiceIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "invoiceID")
	invoiceID, err := uuid.Parse(raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid invoice ID")
		return uuid.Nil, false
	}
	return invoiceID, true
}

func listOptionsFromQuery(r *http.Request) domain.DunningListOptions {
	opts := domain.DunningListOptions{
		TenantID: r.URL.Query().Get("tenant_id"),
		Cursor:   r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts.Limit = limit
		}
	}
	return opts
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError writes a JSON error body.
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
