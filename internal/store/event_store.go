package store

import (
	"context"
	"database/sql"
	"errors"

	"payments/internal/models"
)

// EventStore records webhook deliveries keyed on (address, txid,
// status). The unique index is the idempotency arbiter: a delivery
// whose key is already present changed nothing and must not be
// applied again.
type EventStore struct {
	db DB
}

func NewEventStore(db DB) *EventStore {
	return &EventStore{db: db}
}

// Record inserts the dedup row and reports whether this delivery is
// the first with its key.
func (s *EventStore) Record(ctx context.Context, tx Execer, id string, event models.DepositEvent, usdMinor int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO deposit_events (id, address, txid, status, value_sats, usd_minor, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address, txid, status) DO NOTHING
	`, id, event.Address, event.Txid, event.Status, event.ValueSats, usdMinor, event.ReceivedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Seen reports whether the delivery key is already recorded. Runs
// outside any transaction and takes no locks; Record stays the
// arbiter when two first deliveries race past this check.
func (s *EventStore) Seen(ctx context.Context, address, txid string, status int) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM deposit_events
			WHERE address = $1 AND txid = $2 AND status = $3
		)
	`, address, txid, status)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// TerminalStatus returns the terminal status (confirmed or failed)
// already applied for the txid, excluding the status being applied
// now. Ok is false when the txid has no terminal history.
func (s *EventStore) TerminalStatus(ctx context.Context, tx Getter, address, txid string, excludeStatus int) (int, bool, error) {
	var status int
	err := tx.GetContext(ctx, &status, `
		SELECT status
		FROM deposit_events
		WHERE address = $1 AND txid = $2
		  AND status IN ($3, $4)
		  AND status <> $5
		LIMIT 1
	`, address, txid, models.StatusConfirmed, models.StatusFailed, excludeStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return status, true, nil
}
