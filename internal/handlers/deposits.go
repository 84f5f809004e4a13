package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"payments/internal/middleware"
	"payments/internal/models"
	"payments/internal/money"
	"payments/internal/services"
)

func (h *Handler) AllocateAddress(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		respondMessage(w, http.StatusNotFound, "Account not found")
		return
	}
	allocation, err := h.allocation.AllocateAddress(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, services.ErrAllocationFailed) {
			// Degraded mode: show the static address so the caller is
			// never left without one. It is not bound to the account.
			respondJSON(w, http.StatusCreated, map[string]any{
				"message":  "Address allocation degraded",
				"addr":     allocation.Address,
				"username": account.Username,
			})
			return
		}
		respondMessage(w, http.StatusInternalServerError, "Unable to allocate address")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"addr":     allocation.Address,
		"balance":  money.FormatMinor(allocation.Balance),
		"username": account.Username,
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	balance, err := h.balances.GetByAccount(r.Context(), accountID)
	if errors.Is(err, sql.ErrNoRows) {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"message": "Balance not found",
			"balance": money.FormatMinor(0),
		})
		return
	}
	if err != nil {
		respondMessage(w, http.StatusInternalServerError, "Unable to load balance")
		return
	}
	address := ""
	if balance.Address != nil {
		address = *balance.Address
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"addr":    address,
		"balance": money.FormatMinor(balance.Balance),
		"status":  models.StatusLabel(balance.Status),
	})
}
