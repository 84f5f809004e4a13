package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"payments/internal/models"
	"payments/internal/notify"
	"payments/internal/store"
	"payments/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// fakeTxRunner serializes transactions with a mutex, standing in for
// the row locks the real runner relies on.
type fakeTxRunner struct {
	mu  *sync.Mutex
	err error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	if f.mu != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	return fn(nil)
}

// memBalances is an in-memory balance table keyed by account.
type memBalances struct {
	mu   sync.Mutex
	rows map[string]*models.Balance
}

func newMemBalances() *memBalances {
	return &memBalances{rows: make(map[string]*models.Balance)}
}

func (m *memBalances) put(row models.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := row
	m.rows[row.AccountID] = &copied
}

func (m *memBalances) get(accountID string) models.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[accountID]
}

func (m *memBalances) GetByAccount(_ context.Context, accountID string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[accountID]
	if !ok {
		return models.Balance{}, sql.ErrNoRows
	}
	return *row, nil
}

func (m *memBalances) GetByAddress(_ context.Context, address string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Address != nil && *row.Address == address {
			return *row, nil
		}
	}
	return models.Balance{}, sql.ErrNoRows
}

func (m *memBalances) GetForUpdate(_ context.Context, _ store.Getter, accountID string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[accountID]
	if !ok {
		return models.Balance{}, sql.ErrNoRows
	}
	return *row, nil
}

func (m *memBalances) CreateIfAbsent(_ context.Context, _ store.Execer, id, accountID, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[accountID]; ok {
		return false, nil
	}
	m.rows[accountID] = &models.Balance{ID: id, AccountID: accountID, Status: models.StatusFailed, OrderID: orderID}
	return true, nil
}

func (m *memBalances) BindAddress(_ context.Context, _ store.Execer, accountID, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[accountID]
	if !ok || row.Address != nil {
		return false, nil
	}
	row.Address = &address
	return true, nil
}

func (m *memBalances) UpdateStatus(_ context.Context, _ store.Execer, balanceID, txid string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ID == balanceID {
			row.Status = status
			row.Txid = &txid
			return nil
		}
	}
	return fmt.Errorf("balance %s not found", balanceID)
}

func (m *memBalances) ApplyCredit(_ context.Context, _ store.Execer, balanceID, txid string, receivedSats, newBalance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ID == balanceID {
			row.Balance = newBalance
			row.Received = receivedSats
			row.Txid = &txid
			row.Status = models.StatusConfirmed
			return nil
		}
	}
	return fmt.Errorf("balance %s not found", balanceID)
}

func (m *memBalances) UpdateBalance(_ context.Context, _ store.Execer, balanceID string, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ID == balanceID {
			row.Balance = balance
			return nil
		}
	}
	return fmt.Errorf("balance %s not found", balanceID)
}

// memEvents mimics the unique (address, txid, status) index.
type memEvents struct {
	mu   sync.Mutex
	keys map[string]int
}

func newMemEvents() *memEvents {
	return &memEvents{keys: make(map[string]int)}
}

func eventKey(address, txid string, status int) string {
	return fmt.Sprintf("%s|%s|%d", address, txid, status)
}

func (m *memEvents) Record(_ context.Context, _ store.Execer, _ string, event models.DepositEvent, _ int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(event.Address, event.Txid, event.Status)
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = event.Status
	return true, nil
}

func (m *memEvents) Seen(_ context.Context, address, txid string, status int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[eventKey(address, txid, status)]
	return ok, nil
}

func (m *memEvents) TerminalStatus(_ context.Context, _ store.Getter, address, txid string, excludeStatus int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, status := range []int{models.StatusConfirmed, models.StatusFailed} {
		if status == excludeStatus {
			continue
		}
		if _, ok := m.keys[eventKey(address, txid, status)]; ok {
			return status, true, nil
		}
	}
	return 0, false, nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []store.LedgerEntryInput
}

func (m *memLedger) InsertEntry(_ context.Context, _ store.Execer, entry store.LedgerEntryInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memLedger) all() []store.LedgerEntryInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.LedgerEntryInput(nil), m.entries...)
}

type memAddresses struct {
	mu   sync.Mutex
	rows map[string]models.DepositAddress
}

func newMemAddresses() *memAddresses {
	return &memAddresses{rows: make(map[string]models.DepositAddress)}
}

func (m *memAddresses) GetByAddress(_ context.Context, address string) (models.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[address]
	if !ok {
		return models.DepositAddress{}, sql.ErrNoRows
	}
	return row, nil
}

func (m *memAddresses) Insert(_ context.Context, _ store.Execer, id, accountID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[address] = models.DepositAddress{ID: id, AccountID: accountID, Address: address}
	return nil
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

type stubOracle struct {
	quoteFn func(ctx context.Context) (decimal.Decimal, error)
}

func (s stubOracle) Quote(ctx context.Context) (decimal.Decimal, error) {
	return s.quoteFn(ctx)
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	ch    chan notifyCall
}

type notifyCall struct {
	kind string
	nctx notify.Context
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{ch: make(chan notifyCall, 16)}
}

func (s *stubNotifier) Notify(kind string, nctx notify.Context) {
	s.mu.Lock()
	s.calls = append(s.calls, notifyCall{kind: kind, nctx: nctx})
	s.mu.Unlock()
	s.ch <- notifyCall{kind: kind, nctx: nctx}
}

func (s *stubNotifier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubHub struct {
	mu      sync.Mutex
	updates []websocket.DepositUpdate
}

func (s *stubHub) BroadcastDeposit(_ string, update websocket.DepositUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

type stubPurchaseStore struct {
	mu      sync.Mutex
	created []models.Purchase
	err     error
}

func (s *stubPurchaseStore) Create(_ context.Context, _ store.Execer, id, accountID, reference string, amount int64) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, models.Purchase{ID: id, AccountID: accountID, Reference: reference, Amount: amount})
	return nil
}

type stubAllocator struct {
	newAddressFn func(ctx context.Context, accountID string) (string, error)
}

func (s stubAllocator) NewAddress(ctx context.Context, accountID string) (string, error) {
	return s.newAddressFn(ctx, accountID)
}
