package models

import "time"

// Deposit confirmation status codes as delivered by the webhook.
// Anything below Unconfirmed is treated as failed.
const (
	StatusFailed      = -1
	StatusUnconfirmed = 0
	StatusPartial     = 1
	StatusConfirmed   = 2
)

func StatusLabel(status int) string {
	switch status {
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusPartial:
		return "partially_confirmed"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "failed"
	}
}

// Account rows are owned by the identity collaborator; this service
// only reads them for ownership checks and notification targets.
type Account struct {
	ID        string    `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Balance is the single running-total row per account. Address is the
// current deposit address, Txid/Received/Status describe the most
// recently applied deposit, Balance is the spendable USD amount in
// minor units.
type Balance struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Address   *string   `db:"address" json:"address,omitempty"`
	Txid      *string   `db:"txid" json:"txid,omitempty"`
	Received  int64     `db:"received" json:"received"`
	Balance   int64     `db:"balance" json:"balance"`
	Status    int       `db:"status" json:"status"`
	OrderID   string    `db:"order_id" json:"order_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DepositAddress is the append-only address history. An address binds
// to exactly one account and is never reassigned.
type DepositAddress struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Address   string    `db:"address" json:"address"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DepositEvent is a decoded webhook delivery. (Address, Txid, Status)
// is the dedup key; replays of an applied key are no-ops.
type DepositEvent struct {
	Address    string
	Txid       string
	Status     int
	ValueSats  int64
	ReceivedAt time.Time
}

type LedgerEntry struct {
	ID          string    `db:"id" json:"id"`
	AccountID   string    `db:"account_id" json:"account_id"`
	Amount      int64     `db:"amount" json:"amount"`
	Kind        string    `db:"kind" json:"kind"`
	Reference   string    `db:"reference" json:"reference"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type Purchase struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Reference string    `db:"reference" json:"reference"`
	Amount    int64     `db:"amount" json:"amount"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
