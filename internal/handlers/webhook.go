package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"payments/internal/models"
	"payments/internal/money"
	"payments/internal/services"
)

// Webhook handles deposit status callbacks:
//
//	GET /payment/webhook?txid=<string>&value=<float>&status=<int>&addr=<string>
//
// status: -1/other failed, 0 unconfirmed, 1 partial, 2 confirmed.
// Replays of an already-applied delivery answer 200 so upstream
// at-least-once redelivery never sees a spurious failure.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	txid := query.Get("txid")
	addr := query.Get("addr")
	rawValue := query.Get("value")
	rawStatus := query.Get("status")
	if txid == "" || addr == "" || rawValue == "" || rawStatus == "" {
		respondMessage(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	sats, err := money.ParseSats(rawValue)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "Invalid value")
		return
	}
	status, err := strconv.Atoi(rawStatus)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "Invalid status")
		return
	}

	outcome, err := h.reconciler.ApplyEvent(r.Context(), models.DepositEvent{
		Address:    addr,
		Txid:       txid,
		Status:     status,
		ValueSats:  sats,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, services.ErrUnknownAddress) {
			respondMessage(w, http.StatusBadRequest, "Unknown address")
			return
		}
		if errors.Is(err, services.ErrPriceLookup) {
			respondMessage(w, http.StatusInternalServerError, "Price lookup failed")
			return
		}
		respondMessage(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}

	switch outcome {
	case services.OutcomeCredited:
		respondMessage(w, http.StatusOK, "Balance updated")
	case services.OutcomePending:
		respondMessage(w, http.StatusOK, "Balance update started")
	case services.OutcomePartial:
		respondMessage(w, http.StatusOK, "Balance update partial")
	case services.OutcomeDuplicate:
		respondMessage(w, http.StatusOK, "Duplicate delivery ignored")
	default:
		respondMessage(w, http.StatusBadRequest, "Balance update failed")
	}
}
