package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"payments/internal/middleware"
	"payments/internal/money"
	"payments/internal/services"
)

type purchaseRequest struct {
	Price     string `json:"price"`
	Reference string `json:"reference"`
	Confirm   bool   `json:"confirm"`
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondMessage(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if !req.Confirm {
		respondMessage(w, http.StatusBadRequest, "Confirmation required")
		return
	}
	priceMinor, err := money.ParseMinor(req.Price)
	if err != nil || priceMinor <= 0 {
		respondMessage(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	purchaseID, err := h.purchases.Purchase(r.Context(), accountID, priceMinor, req.Reference)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoBalance):
			respondMessage(w, http.StatusNotFound, "Balance not found")
		case errors.Is(err, services.ErrInsufficientFunds):
			respondMessage(w, http.StatusBadRequest, "Insufficient balance")
		case errors.Is(err, services.ErrInvalidAmount):
			respondMessage(w, http.StatusBadRequest, "Invalid amount")
		default:
			respondMessage(w, http.StatusInternalServerError, "Purchase failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message":     "Purchase successful",
		"purchase_id": purchaseID,
	})
}

func (h *Handler) PreviewPurchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	priceMinor, err := money.ParseMinor(r.URL.Query().Get("price"))
	if err != nil || priceMinor <= 0 {
		respondMessage(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	remaining, err := h.purchases.Preview(r.Context(), accountID, priceMinor)
	if err != nil {
		respondMessage(w, http.StatusInternalServerError, "Unable to preview purchase")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"price":     money.FormatMinor(priceMinor),
		"remaining": money.FormatMinor(remaining),
	})
}
