package store

import "context"

type PurchaseStore struct {
	db DB
}

func NewPurchaseStore(db DB) *PurchaseStore {
	return &PurchaseStore{db: db}
}

func (s *PurchaseStore) Create(ctx context.Context, tx Execer, id, accountID, reference string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO purchases (id, account_id, reference, amount)
		VALUES ($1, $2, $3, $4)
	`, id, accountID, reference, amount)
	return err
}
