package store

import (
	"context"

	"payments/internal/models"
)

// AddressStore keeps the append-only deposit address history. The
// UNIQUE(address) constraint enforces single ownership; rotated
// addresses still resolve back to their account here.
type AddressStore struct {
	db DB
}

func NewAddressStore(db DB) *AddressStore {
	return &AddressStore{db: db}
}

func (s *AddressStore) Insert(ctx context.Context, tx Execer, id, accountID, address string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deposit_addresses (id, account_id, address)
		VALUES ($1, $2, $3)
	`, id, accountID, address)
	return err
}

func (s *AddressStore) GetByAddress(ctx context.Context, address string) (models.DepositAddress, error) {
	var row models.DepositAddress
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, address, created_at
		FROM deposit_addresses
		WHERE address = $1
	`, address)
	if err != nil {
		return models.DepositAddress{}, err
	}
	return row, nil
}

func (s *AddressStore) ListByAccount(ctx context.Context, accountID string) ([]models.DepositAddress, error) {
	var rows []models.DepositAddress
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, address, created_at
		FROM deposit_addresses
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
