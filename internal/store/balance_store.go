package store

import (
	"context"

	"payments/internal/models"
)

type BalanceStore struct {
	db DB
}

func NewBalanceStore(db DB) *BalanceStore {
	return &BalanceStore{db: db}
}

// CreateIfAbsent inserts a zero balance row for the account. The
// UNIQUE(account_id) constraint makes concurrent allocation race-free:
// losers of the race see zero rows affected and reuse the winner's row.
func (s *BalanceStore) CreateIfAbsent(ctx context.Context, tx Execer, id, accountID, orderID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO balances (id, account_id, balance, received, status, order_id)
		VALUES ($1, $2, 0, 0, $3, $4)
		ON CONFLICT (account_id) DO NOTHING
	`, id, accountID, models.StatusFailed, orderID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *BalanceStore) GetByAccount(ctx context.Context, accountID string) (models.Balance, error) {
	var row models.Balance
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, address, txid, received, balance, status, order_id, created_at, updated_at
		FROM balances
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return models.Balance{}, err
	}
	return row, nil
}

func (s *BalanceStore) GetByAddress(ctx context.Context, address string) (models.Balance, error) {
	var row models.Balance
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, address, txid, received, balance, status, order_id, created_at, updated_at
		FROM balances
		WHERE address = $1
	`, address)
	if err != nil {
		return models.Balance{}, err
	}
	return row, nil
}

// GetForUpdate locks the balance row for the span of the enclosing
// transaction. Every mutation path goes through this lock.
func (s *BalanceStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (models.Balance, error) {
	var row models.Balance
	err := tx.GetContext(ctx, &row, `
		SELECT id, account_id, address, txid, received, balance, status, order_id, created_at, updated_at
		FROM balances
		WHERE account_id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return models.Balance{}, err
	}
	return row, nil
}

// BindAddress sets the current deposit address only if none is bound.
func (s *BalanceStore) BindAddress(ctx context.Context, tx Execer, accountID, address string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET address = $1, received = 0, status = $2, updated_at = NOW()
		WHERE account_id = $3 AND address IS NULL
	`, address, models.StatusFailed, accountID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *BalanceStore) UpdateStatus(ctx context.Context, tx Execer, balanceID, txid string, status int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET status = $1, txid = $2, updated_at = NOW()
		WHERE id = $3
	`, status, txid, balanceID)
	return err
}

// ApplyCredit writes the post-credit state computed under the row lock.
func (s *BalanceStore) ApplyCredit(ctx context.Context, tx Execer, balanceID, txid string, receivedSats, newBalance int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET balance = $1, received = $2, txid = $3, status = $4, updated_at = NOW()
		WHERE id = $5
	`, newBalance, receivedSats, txid, models.StatusConfirmed, balanceID)
	return err
}

func (s *BalanceStore) UpdateBalance(ctx context.Context, tx Execer, balanceID string, balance int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET balance = $1, updated_at = NOW()
		WHERE id = $2
	`, balance, balanceID)
	return err
}
