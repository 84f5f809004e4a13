package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"payments/internal/db"
	"payments/internal/models"
	"payments/internal/money"
	"payments/internal/notify"
	"payments/internal/store"
	"payments/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownAddress = errors.New("unknown deposit address")
	ErrPriceLookup    = errors.New("price lookup failed")
)

// Outcome of applying a deposit event.
type Outcome int

const (
	OutcomeCredited Outcome = iota
	OutcomePending
	OutcomePartial
	OutcomeDuplicate
	OutcomeRejected
)

type BalanceStore interface {
	GetByAccount(ctx context.Context, accountID string) (models.Balance, error)
	GetByAddress(ctx context.Context, address string) (models.Balance, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Balance, error)
	UpdateStatus(ctx context.Context, tx store.Execer, balanceID, txid string, status int) error
	ApplyCredit(ctx context.Context, tx store.Execer, balanceID, txid string, receivedSats, newBalance int64) error
	UpdateBalance(ctx context.Context, tx store.Execer, balanceID string, balance int64) error
}

type AddressStore interface {
	GetByAddress(ctx context.Context, address string) (models.DepositAddress, error)
	Insert(ctx context.Context, tx store.Execer, id, accountID, address string) error
}

type EventStore interface {
	Record(ctx context.Context, tx store.Execer, id string, event models.DepositEvent, usdMinor int64) (bool, error)
	Seen(ctx context.Context, address, txid string, status int) (bool, error)
	TerminalStatus(ctx context.Context, tx store.Getter, address, txid string, excludeStatus int) (int, bool, error)
}

type LedgerStore interface {
	InsertEntry(ctx context.Context, tx store.Execer, entry store.LedgerEntryInput) error
}

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (models.Account, error)
}

type PriceOracle interface {
	Quote(ctx context.Context) (decimal.Decimal, error)
}

type Notifier interface {
	Notify(kind string, nctx notify.Context)
}

type DepositHub interface {
	BroadcastDeposit(accountID string, update websocket.DepositUpdate)
}

// Reconciler applies webhook deposit events to account balances.
// Deliveries are at-least-once and arbitrarily reordered; application
// is idempotent per (address, txid, status) and a confirmed txid is
// credited exactly once.
type Reconciler struct {
	txRunner  db.TxRunner
	balances  BalanceStore
	addresses AddressStore
	events    EventStore
	ledger    LedgerStore
	accounts  AccountStore
	oracle    PriceOracle
	notifier  Notifier
	hub       DepositHub
}

func NewReconciler(txRunner db.TxRunner, balances BalanceStore, addresses AddressStore, events EventStore, ledger LedgerStore, accounts AccountStore, oracle PriceOracle, notifier Notifier, hub DepositHub) *Reconciler {
	return &Reconciler{
		txRunner:  txRunner,
		balances:  balances,
		addresses: addresses,
		events:    events,
		ledger:    ledger,
		accounts:  accounts,
		oracle:    oracle,
		notifier:  notifier,
		hub:       hub,
	}
}

func (s *Reconciler) ApplyEvent(ctx context.Context, event models.DepositEvent) (Outcome, error) {
	balance, err := s.resolveAddress(ctx, event.Address)
	if err != nil {
		return OutcomeRejected, err
	}

	switch event.Status {
	case models.StatusConfirmed:
		return s.applyConfirmed(ctx, balance, event)
	case models.StatusUnconfirmed, models.StatusPartial:
		return s.applyPending(ctx, balance, event)
	default:
		return s.applyFailed(ctx, balance, event)
	}
}

// resolveAddress maps a deposit address to its balance row: the
// current address first, then the rotation history. Addresses may be
// rotated while the account's balance row lives on.
func (s *Reconciler) resolveAddress(ctx context.Context, address string) (models.Balance, error) {
	balance, err := s.balances.GetByAddress(ctx, address)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, err
	}
	history, err := s.addresses.GetByAddress(ctx, address)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, ErrUnknownAddress
	}
	if err != nil {
		return models.Balance{}, err
	}
	balance, err = s.balances.GetByAccount(ctx, history.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, ErrUnknownAddress
	}
	if err != nil {
		return models.Balance{}, err
	}
	return balance, nil
}

// applyConfirmed credits the converted amount exactly once per
// (address, txid). The price is quoted before the transaction opens so
// no row lock is held across oracle I/O; an oracle failure aborts with
// nothing persisted, leaving upstream redelivery as the retry path.
func (s *Reconciler) applyConfirmed(ctx context.Context, balance models.Balance, event models.DepositEvent) (Outcome, error) {
	// Dedup check first, quote second: a replay of an applied key
	// answers Duplicate without touching the oracle, so an oracle
	// outage cannot turn redeliveries into an endless 500. The check
	// is lock-free; Record inside the transaction arbitrates races.
	seen, err := s.events.Seen(ctx, event.Address, event.Txid, event.Status)
	if err != nil {
		return OutcomeRejected, err
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	price, err := s.oracle.Quote(ctx)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrPriceLookup, err)
	}
	usdMinor := money.SatsToMinor(event.ValueSats, price)

	outcome := OutcomeCredited
	var newBalance int64
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := s.events.Record(ctx, tx, uuid.NewString(), event, usdMinor)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}
		if _, terminal, err := s.events.TerminalStatus(ctx, tx, event.Address, event.Txid, models.StatusConfirmed); err != nil {
			return err
		} else if terminal {
			// The txid already failed; the late confirmation is recorded
			// but never credited.
			outcome = OutcomeDuplicate
			return nil
		}
		locked, err := s.balances.GetForUpdate(ctx, tx, balance.AccountID)
		if err != nil {
			return err
		}
		newBalance = locked.Balance + usdMinor
		if err := s.balances.ApplyCredit(ctx, tx, locked.ID, event.Txid, event.ValueSats, newBalance); err != nil {
			return err
		}
		return s.ledger.InsertEntry(ctx, tx, store.LedgerEntryInput{
			ID:          uuid.NewString(),
			AccountID:   locked.AccountID,
			Amount:      usdMinor,
			Kind:        "deposit",
			Reference:   event.Txid,
			Description: "Confirmed deposit credit",
		})
	})
	if err != nil {
		return OutcomeRejected, err
	}
	if outcome == OutcomeCredited {
		zap.L().Info("deposit credited",
			zap.String("account_id", balance.AccountID),
			zap.String("txid", event.Txid),
			zap.Int64("usd_minor", usdMinor))
		s.announce(balance.AccountID, event, notify.EventCredited, money.FormatMinor(usdMinor), money.FormatMinor(newBalance))
	}
	return outcome, nil
}

// applyPending records unconfirmed and partially confirmed sightings.
// No balance change; the stored status only moves forward for a given
// txid, so reordered deliveries converge on the same final state.
func (s *Reconciler) applyPending(ctx context.Context, balance models.Balance, event models.DepositEvent) (Outcome, error) {
	outcome := OutcomePending
	if event.Status == models.StatusPartial {
		outcome = OutcomePartial
	}
	var newBalance int64
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := s.events.Record(ctx, tx, uuid.NewString(), event, 0)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}
		if _, terminal, err := s.events.TerminalStatus(ctx, tx, event.Address, event.Txid, event.Status); err != nil {
			return err
		} else if terminal {
			outcome = OutcomeDuplicate
			return nil
		}
		locked, err := s.balances.GetForUpdate(ctx, tx, balance.AccountID)
		if err != nil {
			return err
		}
		newBalance = locked.Balance
		sameTxid := locked.Txid != nil && *locked.Txid == event.Txid
		if sameTxid && locked.Status >= event.Status {
			return nil
		}
		return s.balances.UpdateStatus(ctx, tx, locked.ID, event.Txid, event.Status)
	})
	if err != nil {
		return OutcomeRejected, err
	}
	if outcome != OutcomeDuplicate {
		kind := notify.EventPending
		if event.Status == models.StatusPartial {
			kind = notify.EventPartial
		}
		s.announcePending(balance.AccountID, event, kind, money.FormatMinor(newBalance))
	}
	return outcome, nil
}

// applyFailed marks the txid failed unless it already confirmed.
func (s *Reconciler) applyFailed(ctx context.Context, balance models.Balance, event models.DepositEvent) (Outcome, error) {
	normalized := event
	normalized.Status = models.StatusFailed

	outcome := OutcomeRejected
	var newBalance int64
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := s.events.Record(ctx, tx, uuid.NewString(), normalized, 0)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}
		if _, terminal, err := s.events.TerminalStatus(ctx, tx, normalized.Address, normalized.Txid, models.StatusFailed); err != nil {
			return err
		} else if terminal {
			outcome = OutcomeDuplicate
			return nil
		}
		locked, err := s.balances.GetForUpdate(ctx, tx, balance.AccountID)
		if err != nil {
			return err
		}
		newBalance = locked.Balance
		return s.balances.UpdateStatus(ctx, tx, locked.ID, normalized.Txid, models.StatusFailed)
	})
	if err != nil {
		return OutcomeRejected, err
	}
	if outcome != OutcomeDuplicate {
		s.announcePending(balance.AccountID, normalized, notify.EventFailed, money.FormatMinor(newBalance))
	}
	return outcome, nil
}

// announce dispatches the post-commit notification and websocket push
// for events whose USD amount is already known.
func (s *Reconciler) announce(accountID string, event models.DepositEvent, kind, amount, balance string) {
	account, err := s.accounts.GetByID(context.Background(), accountID)
	if err != nil {
		zap.L().Warn("notification target lookup failed",
			zap.String("account_id", accountID),
			zap.Error(err))
	} else {
		s.notifier.Notify(kind, notify.Context{
			Username: account.Username,
			Email:    account.Email,
			Amount:   amount,
			Address:  event.Address,
			Txid:     event.Txid,
		})
	}
	s.hub.BroadcastDeposit(accountID, websocket.DepositUpdate{
		Address: event.Address,
		Status:  models.StatusLabel(event.Status),
		Balance: balance,
	})
}

// announcePending quotes the rate in the background to put a converted
// amount in the message. The transition is already committed; a quote
// failure only costs the notification, never the state.
func (s *Reconciler) announcePending(accountID string, event models.DepositEvent, kind, balance string) {
	go func() {
		price, err := s.oracle.Quote(context.Background())
		if err != nil {
			zap.L().Error("rate lookup for notification failed",
				zap.String("txid", event.Txid),
				zap.String("kind", kind),
				zap.Error(err))
			s.hub.BroadcastDeposit(accountID, websocket.DepositUpdate{
				Address: event.Address,
				Status:  models.StatusLabel(event.Status),
				Balance: balance,
			})
			return
		}
		amount := money.FormatMinor(money.SatsToMinor(event.ValueSats, price))
		s.announce(accountID, event, kind, amount, balance)
	}()
}
