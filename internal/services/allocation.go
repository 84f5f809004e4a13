package services

import (
	"context"
	"database/sql"
	"errors"

	"payments/internal/db"
	"payments/internal/models"
	"payments/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var ErrAllocationFailed = errors.New("address allocation failed")

type AddressAllocator interface {
	NewAddress(ctx context.Context, accountID string) (string, error)
}

type BalanceFinder interface {
	GetByAccount(ctx context.Context, accountID string) (models.Balance, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Balance, error)
	CreateIfAbsent(ctx context.Context, tx store.Execer, id, accountID, orderID string) (bool, error)
	BindAddress(ctx context.Context, tx store.Execer, accountID, address string) (bool, error)
}

type Allocation struct {
	Address string
	Balance int64
	// Fallback marks the static degraded-mode address. It is shown to
	// the caller but never bound to the account.
	Fallback bool
}

// AllocationService binds fresh deposit addresses to accounts. An
// account keeps its current address for as long as one is bound;
// re-requesting returns the existing one.
type AllocationService struct {
	txRunner  db.TxRunner
	balances  BalanceFinder
	addresses AddressStore
	allocator AddressAllocator
	fallback  string
}

func NewAllocationService(txRunner db.TxRunner, balances BalanceFinder, addresses AddressStore, allocator AddressAllocator, fallbackAddress string) *AllocationService {
	return &AllocationService{
		txRunner:  txRunner,
		balances:  balances,
		addresses: addresses,
		allocator: allocator,
		fallback:  fallbackAddress,
	}
}

func (s *AllocationService) AllocateAddress(ctx context.Context, accountID string) (Allocation, error) {
	balance, err := s.balances.GetByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Allocation{}, err
	}
	if err == nil && balance.Address != nil && *balance.Address != "" {
		return Allocation{Address: *balance.Address, Balance: balance.Balance}, nil
	}

	address, err := s.allocator.NewAddress(ctx, accountID)
	if err != nil {
		zap.L().Error("address allocation exhausted retries, serving fallback",
			zap.String("account_id", accountID),
			zap.Error(err))
		return Allocation{Address: s.fallback, Fallback: true}, ErrAllocationFailed
	}

	bound := address
	var boundBalance int64
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.balances.CreateIfAbsent(ctx, tx, uuid.NewString(), accountID, uuid.NewString()); err != nil {
			return err
		}
		ok, err := s.balances.BindAddress(ctx, tx, accountID, address)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent allocation won; hand back the bound address
			// and let the spare one expire unused.
			current, err := s.balances.GetForUpdate(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if current.Address != nil {
				bound = *current.Address
			}
			boundBalance = current.Balance
			return nil
		}
		return s.addresses.Insert(ctx, tx, uuid.NewString(), accountID, address)
	})
	if db.IsUniqueViolation(err) {
		// The allocator handed out an address that is already bound to
		// another account. Never rebind; treat it as a failed allocation.
		zap.L().Error("allocator returned an already-bound address",
			zap.String("account_id", accountID),
			zap.String("address", address))
		return Allocation{Address: s.fallback, Fallback: true}, ErrAllocationFailed
	}
	if err != nil {
		return Allocation{}, err
	}
	zap.L().Info("deposit address bound",
		zap.String("account_id", accountID),
		zap.String("address", bound))
	return Allocation{Address: bound, Balance: boundBalance}, nil
}
