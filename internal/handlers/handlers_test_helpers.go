package handlers

import (
	"context"

	"payments/internal/config"
	"payments/internal/models"
	"payments/internal/services"
	"payments/internal/websocket"
)

type stubReconciler struct {
	applyEventFn func(ctx context.Context, event models.DepositEvent) (services.Outcome, error)
}

func (s stubReconciler) ApplyEvent(ctx context.Context, event models.DepositEvent) (services.Outcome, error) {
	return s.applyEventFn(ctx, event)
}

type stubAllocationService struct {
	allocateFn func(ctx context.Context, accountID string) (services.Allocation, error)
}

func (s stubAllocationService) AllocateAddress(ctx context.Context, accountID string) (services.Allocation, error) {
	return s.allocateFn(ctx, accountID)
}

type stubPurchaseService struct {
	purchaseFn func(ctx context.Context, accountID string, priceMinor int64, reference string) (string, error)
	previewFn  func(ctx context.Context, accountID string, priceMinor int64) (int64, error)
}

func (s stubPurchaseService) Purchase(ctx context.Context, accountID string, priceMinor int64, reference string) (string, error) {
	return s.purchaseFn(ctx, accountID, priceMinor, reference)
}

func (s stubPurchaseService) Preview(ctx context.Context, accountID string, priceMinor int64) (int64, error) {
	return s.previewFn(ctx, accountID, priceMinor)
}

type stubBalanceStore struct {
	getByAccountFn func(ctx context.Context, accountID string) (models.Balance, error)
}

func (s stubBalanceStore) GetByAccount(ctx context.Context, accountID string) (models.Balance, error) {
	return s.getByAccountFn(ctx, accountID)
}

type stubAccountStore struct {
	getByIDFn func(ctx context.Context, accountID string) (models.Account, error)
}

func (s stubAccountStore) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	if s.getByIDFn == nil {
		return models.Account{ID: accountID, Username: "user", Email: "user@example.com"}, nil
	}
	return s.getByIDFn(ctx, accountID)
}

type testDeps struct {
	reconciler stubReconciler
	allocation stubAllocationService
	purchases  stubPurchaseService
	balances   stubBalanceStore
	accounts   stubAccountStore
}

func newTestHandler(cfg config.Config, deps testDeps) *Handler {
	return New(nil, cfg, deps.accounts, deps.balances, deps.reconciler, deps.allocation, deps.purchases, websocket.NewHub())
}
