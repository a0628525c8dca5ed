/**
 * @description
 * This file contains the HTTP handlers for the flowsure-backend API. Handlers
 * parse incoming requests, call the application service or authorizer, and
 * map domain errors onto HTTP status codes.
 *
 * @dependencies
 * - encoding/json, errors, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/app"
	"github.com/Flow-Sure/flowsure-backend/internal/domain"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
)

// Handlers holds the application services that handlers use.
type Handlers struct {
	service    *app.Service
	authorizer *app.Authorizer
	logger     *slog.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, authorizer *app.Authorizer, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, authorizer: authorizer, logger: logger}
}

func (h *Handlers) userAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	address, ok := GetUserAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get user address from context", http.StatusInternalServerError)
	}
	return address, ok
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid id format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// CreateGrantHandler issues a delegated authorization grant for the caller,
// superseding any previous one.
func (h *Handlers) CreateGrantHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	var req domain.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	grant, err := h.authorizer.Grant(r.Context(), address, req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidGrantBound) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("grant creation failed", "user_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, grant)
}

// RevokeGrantHandler revokes the caller's active grant. Revoking when no
// grant is active is a no-op.
func (h *Handlers) RevokeGrantHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	if err := h.authorizer.Revoke(r.Context(), address); err != nil {
		h.logger.Error("grant revocation failed", "user_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetActiveGrantHandler returns the caller's currently usable grant.
func (h *Handlers) GetActiveGrantHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	grant, err := h.authorizer.ActiveGrant(r.Context(), address)
	if err != nil {
		if errors.Is(err, app.ErrAuthorizationDenied) {
			h.writeError(w, http.StatusNotFound, "No active grant")
			return
		}
		h.logger.Error("grant lookup failed", "user_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, grant)
}

// CreateScheduledTransferHandler handles requests to schedule a transfer.
func (h *Handlers) CreateScheduledTransferHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	var req domain.CreateScheduledTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	transfer, err := h.service.CreateScheduledTransfer(r.Context(), address, req)
	if err != nil {
		var vErr *app.ValidationError
		if errors.As(err, &vErr) {
			http.Error(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("scheduled transfer creation failed", "owner_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, transfer)
}

// ListScheduledTransfersHandler returns the caller's scheduled transfers.
func (h *Handlers) ListScheduledTransfersHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	transfers, err := h.service.ListScheduledTransfers(r.Context(), address)
	if err != nil {
		h.logger.Error("scheduled transfer listing failed", "owner_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, transfers)
}

// GetScheduledTransferHandler returns one scheduled transfer by id.
func (h *Handlers) GetScheduledTransferHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetScheduledTransfer(r.Context(), address, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Scheduled transfer not found")
			return
		}
		h.logger.Error("scheduled transfer lookup failed", "transfer_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, transfer)
}

// CancelScheduledTransferHandler stops all future firings of a transfer.
func (h *Handlers) CancelScheduledTransferHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelScheduledTransfer(r.Context(), address, id); err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Scheduled transfer not found")
			return
		}
		h.logger.Error("scheduled transfer cancellation failed", "transfer_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EstimateRecurringCostHandler prices a recurring rule without persisting it.
func (h *Handlers) EstimateRecurringCostHandler(w http.ResponseWriter, r *http.Request) {
	var query domain.RecurringCostQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	estimate, err := h.service.EstimateRecurringCost(r.Context(), query)
	if err != nil {
		var vErr *app.ValidationError
		if errors.As(err, &vErr) {
			http.Error(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("cost estimation failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, estimate)
}

// InsureActionHandler wraps a one-off transaction with protection.
func (h *Handlers) InsureActionHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	var req domain.InsureActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	action, err := h.service.InsureAction(r.Context(), address, req)
	if err != nil {
		var vErr *app.ValidationError
		if errors.As(err, &vErr) {
			http.Error(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("action insuring failed", "user_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, action)
}

// ListActionsHandler returns the caller's insured actions.
func (h *Handlers) ListActionsHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	views, err := h.service.ListActions(r.Context(), address)
	if err != nil {
		h.logger.Error("action listing failed", "user_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, views)
}

// GetActionHandler returns one insured action by id.
func (h *Handlers) GetActionHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetAction(r.Context(), address, id)
	if err != nil {
		if errors.Is(err, store.ErrActionNotFound) {
			h.writeError(w, http.StatusNotFound, "Insured action not found")
			return
		}
		h.logger.Error("action lookup failed", "action_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// GetProtectionMetricsHandler returns the caller's protection dashboard.
func (h *Handlers) GetProtectionMetricsHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := h.userAddress(w, r)
	if !ok {
		return
	}

	metrics, err := h.service.ProtectionMetrics(r.Context(), address)
	if err != nil {
		h.logger.Error("protection metrics failed", "user_address", address, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, metrics)
}

// GetVaultMetricsHandler returns the shared compensation vault summary.
func (h *Handlers) GetVaultMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.service.VaultMetrics(r.Context())
	if err != nil {
		h.logger.Error("vault metrics failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, metrics)
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
