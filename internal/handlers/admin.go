package handlers

import (
	"net/http"
	"strings"

	"payments/internal/auth"
	"payments/internal/money"
	"payments/internal/websocket"
)

// Reconcile reports drift between stored balances and the ledger sum
// per account. Any non-zero difference means a mutation bypassed the
// ledger and needs investigation.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	type reconRow struct {
		AccountID      string `db:"account_id"`
		LedgerSum      int64  `db:"ledger_sum"`
		AccountBalance int64  `db:"account_balance"`
		Difference     int64  `db:"difference"`
	}
	var rows []reconRow
	query := `
		SELECT b.account_id AS account_id,
		       COALESCE(SUM(l.amount), 0) AS ledger_sum,
		       b.balance AS account_balance,
		       (b.balance - COALESCE(SUM(l.amount), 0)) AS difference
		FROM balances b
		LEFT JOIN ledger_entries l ON l.account_id = b.account_id
		GROUP BY b.account_id, b.balance
		ORDER BY b.account_id
	`
	if err := h.reconcileDB.SelectContext(r.Context(), &rows, query); err != nil {
		respondMessage(w, http.StatusInternalServerError, "Unable to reconcile balances")
		return
	}
	normalized := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		normalized = append(normalized, map[string]any{
			"account_id":      row.AccountID,
			"ledger_sum":      money.FormatMinor(row.LedgerSum),
			"account_balance": money.FormatMinor(row.AccountBalance),
			"difference":      money.FormatMinor(row.Difference),
		})
	}
	respondJSON(w, http.StatusOK, normalized)
}

func (h *Handler) WSDeposits(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}
