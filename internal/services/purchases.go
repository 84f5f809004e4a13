package services

import (
	"context"
	"database/sql"
	"errors"

	"payments/internal/db"
	"payments/internal/models"
	"payments/internal/money"
	"payments/internal/store"
	"payments/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoBalance         = errors.New("balance not found")
)

type PurchaseStore interface {
	Create(ctx context.Context, tx store.Execer, id, accountID, reference string, amount int64) error
}

// PurchaseService debits balances at purchase time. The balance row is
// locked for the whole read-check-write, so two concurrent purchases
// can never both pass the funds check against a stale balance.
type PurchaseService struct {
	txRunner  db.TxRunner
	balances  BalanceStore
	ledger    LedgerStore
	purchases PurchaseStore
	hub       DepositHub
}

func NewPurchaseService(txRunner db.TxRunner, balances BalanceStore, ledger LedgerStore, purchases PurchaseStore, hub DepositHub) *PurchaseService {
	return &PurchaseService{
		txRunner:  txRunner,
		balances:  balances,
		ledger:    ledger,
		purchases: purchases,
		hub:       hub,
	}
}

// Purchase debits priceMinor from the account and returns a purchase
// token for the order collaborator. A missing balance row means no
// deposit was ever made and the debit is rejected outright.
func (s *PurchaseService) Purchase(ctx context.Context, accountID string, priceMinor int64, reference string) (string, error) {
	if priceMinor <= 0 {
		return "", ErrInvalidAmount
	}
	purchaseID := uuid.NewString()
	var balanceAfter int64
	var status int
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.balances.GetForUpdate(ctx, tx, accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoBalance
		}
		if err != nil {
			return err
		}
		if priceMinor > locked.Balance {
			return ErrInsufficientFunds
		}
		balanceAfter = locked.Balance - priceMinor
		status = locked.Status
		if err := s.balances.UpdateBalance(ctx, tx, locked.ID, balanceAfter); err != nil {
			return err
		}
		if err := s.ledger.InsertEntry(ctx, tx, store.LedgerEntryInput{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			Amount:      -priceMinor,
			Kind:        "purchase",
			Reference:   purchaseID,
			Description: "Purchase debit",
		}); err != nil {
			return err
		}
		return s.purchases.Create(ctx, tx, purchaseID, accountID, reference, priceMinor)
	})
	if err != nil {
		return "", err
	}
	zap.L().Info("purchase completed",
		zap.String("account_id", accountID),
		zap.String("purchase_id", purchaseID),
		zap.Int64("price_minor", priceMinor))
	s.hub.BroadcastDeposit(accountID, websocket.DepositUpdate{
		Status:  models.StatusLabel(status),
		Balance: money.FormatMinor(balanceAfter),
	})
	return purchaseID, nil
}

// Preview reports how much more the account needs to deposit before
// priceMinor is affordable. Missing balances count as zero.
func (s *PurchaseService) Preview(ctx context.Context, accountID string, priceMinor int64) (int64, error) {
	if priceMinor <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.balances.GetByAccount(ctx, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return priceMinor, nil
	}
	if err != nil {
		return 0, err
	}
	remaining := priceMinor - balance.Balance
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
