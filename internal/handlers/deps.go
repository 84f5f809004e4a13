package handlers

import (
	"context"

	"payments/internal/models"
	"payments/internal/services"
)

type Reconciler interface {
	ApplyEvent(ctx context.Context, event models.DepositEvent) (services.Outcome, error)
}

type AllocationService interface {
	AllocateAddress(ctx context.Context, accountID string) (services.Allocation, error)
}

type PurchaseService interface {
	Purchase(ctx context.Context, accountID string, priceMinor int64, reference string) (string, error)
	Preview(ctx context.Context, accountID string, priceMinor int64) (int64, error)
}

type BalanceStore interface {
	GetByAccount(ctx context.Context, accountID string) (models.Balance, error)
}

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (models.Account, error)
}
