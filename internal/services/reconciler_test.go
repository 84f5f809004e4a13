package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payments/internal/models"
	"payments/internal/notify"

	"github.com/shopspring/decimal"
)

func fixedOracle(price int64) stubOracle {
	return stubOracle{quoteFn: func(context.Context) (decimal.Decimal, error) {
		return decimal.NewFromInt(price), nil
	}}
}

func newTestReconciler(balances *memBalances, events *memEvents, ledger *memLedger, oracle PriceOracle, notifier *stubNotifier, mu *sync.Mutex) *Reconciler {
	return NewReconciler(
		fakeTxRunner{mu: mu},
		balances,
		newMemAddresses(),
		events,
		ledger,
		stubAccountStore{},
		oracle,
		notifier,
		&stubHub{},
	)
}

func seedBalance(balances *memBalances, address string, amount int64) models.Balance {
	addr := address
	row := models.Balance{ID: "bal-1", AccountID: "acct-1", Address: &addr, Balance: amount, Status: models.StatusFailed, OrderID: "order-1"}
	balances.put(row)
	return row
}

func TestApplyEventConfirmedCreditsOnce(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 1000)
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, nil)

	event := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusConfirmed, ValueSats: 100000000}

	outcome, err := svc.ApplyEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ApplyEvent returned error: %v", err)
	}
	if outcome != OutcomeCredited {
		t.Fatalf("expected OutcomeCredited, got %v", outcome)
	}
	// 1 BTC at $50,000 is 5,000,000 cents on top of the seed.
	if got := balances.get("acct-1").Balance; got != 5001000 {
		t.Fatalf("expected balance 5001000, got %d", got)
	}
	if got := balances.get("acct-1").Status; got != models.StatusConfirmed {
		t.Fatalf("expected confirmed status, got %d", got)
	}
	entries := ledger.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Amount != 5000000 || entries[0].Kind != "deposit" || entries[0].Reference != "tx-1" {
		t.Fatalf("unexpected ledger entry: %+v", entries[0])
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", notifier.count())
	}

	for i := 0; i < 3; i++ {
		outcome, err = svc.ApplyEvent(context.Background(), event)
		if err != nil {
			t.Fatalf("redelivery %d returned error: %v", i, err)
		}
		if outcome != OutcomeDuplicate {
			t.Fatalf("redelivery %d: expected OutcomeDuplicate, got %v", i, outcome)
		}
	}
	if got := balances.get("acct-1").Balance; got != 5001000 {
		t.Fatalf("redeliveries changed balance to %d", got)
	}
	if len(ledger.all()) != 1 {
		t.Fatalf("redeliveries grew the ledger to %d entries", len(ledger.all()))
	}
	if notifier.count() != 1 {
		t.Fatalf("redeliveries sent extra notifications: %d", notifier.count())
	}
}

func TestApplyEventReplayDuringOracleOutage(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 0)

	// The oracle answers the first quote, then goes down for good.
	var quotes atomic.Int32
	oracle := stubOracle{quoteFn: func(context.Context) (decimal.Decimal, error) {
		if quotes.Add(1) > 1 {
			return decimal.Zero, errors.New("oracle down")
		}
		return decimal.NewFromInt(50000), nil
	}}
	svc := newTestReconciler(balances, events, ledger, oracle, notifier, nil)

	event := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusConfirmed, ValueSats: 100000000}
	outcome, err := svc.ApplyEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	if outcome != OutcomeCredited {
		t.Fatalf("expected OutcomeCredited, got %v", outcome)
	}

	// Replays of the applied event must answer Duplicate, not surface
	// the outage, and must not cost an oracle round trip.
	for i := 0; i < 3; i++ {
		outcome, err = svc.ApplyEvent(context.Background(), event)
		if err != nil {
			t.Fatalf("replay %d errored instead of Duplicate: %v", i, err)
		}
		if outcome != OutcomeDuplicate {
			t.Fatalf("replay %d: expected OutcomeDuplicate, got %v", i, outcome)
		}
	}
	if got := quotes.Load(); got != 1 {
		t.Fatalf("replays cost %d oracle quotes, expected 1", got)
	}
	if got := balances.get("acct-1").Balance; got != 5000000 {
		t.Fatalf("replays changed the balance to %d", got)
	}
}

func TestApplyEventConcurrentConfirmedCreditsOnce(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 0)
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, &sync.Mutex{})

	event := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-race", Status: models.StatusConfirmed, ValueSats: 50000000}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := 0; i < len(outcomes); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := svc.ApplyEvent(context.Background(), event)
			if err != nil {
				t.Errorf("delivery %d returned error: %v", i, err)
				return
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, outcome := range outcomes {
		if outcome == OutcomeCredited {
			credited++
		}
	}
	if credited != 1 {
		t.Fatalf("expected exactly 1 credit, got %d", credited)
	}
	if got := balances.get("acct-1").Balance; got != 2500000 {
		t.Fatalf("expected balance 2500000, got %d", got)
	}
	if len(ledger.all()) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(ledger.all()))
	}
}

func TestApplyEventUnknownAddress(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, nil)

	event := models.DepositEvent{Address: "bc1qnowhere", Txid: "tx-1", Status: models.StatusConfirmed, ValueSats: 1000}
	outcome, err := svc.ApplyEvent(context.Background(), event)
	if !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("expected ErrUnknownAddress, got %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("expected OutcomeRejected, got %v", outcome)
	}
	if len(events.keys) != 0 {
		t.Fatalf("event recorded for an unknown address")
	}
	if len(ledger.all()) != 0 {
		t.Fatalf("ledger written for an unknown address")
	}
}

func TestApplyEventRotatedAddressResolvesViaHistory(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	addresses := newMemAddresses()
	addresses.Insert(context.Background(), nil, "addr-1", "acct-1", "bc1qold")

	current := "bc1qnew"
	balances.put(models.Balance{ID: "bal-1", AccountID: "acct-1", Address: &current, Balance: 0})

	svc := NewReconciler(fakeTxRunner{}, balances, addresses, events, ledger, stubAccountStore{}, fixedOracle(50000), notifier, &stubHub{})

	event := models.DepositEvent{Address: "bc1qold", Txid: "tx-old", Status: models.StatusConfirmed, ValueSats: 100000000}
	outcome, err := svc.ApplyEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ApplyEvent returned error: %v", err)
	}
	if outcome != OutcomeCredited {
		t.Fatalf("expected OutcomeCredited, got %v", outcome)
	}
	if got := balances.get("acct-1").Balance; got != 5000000 {
		t.Fatalf("expected rotated address to credit the account, balance %d", got)
	}
}

func TestApplyEventPriceLookupFailureAbortsAll(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 1000)
	oracle := stubOracle{quoteFn: func(context.Context) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("oracle down")
	}}
	svc := newTestReconciler(balances, events, ledger, oracle, notifier, nil)

	event := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusConfirmed, ValueSats: 100000000}
	outcome, err := svc.ApplyEvent(context.Background(), event)
	if !errors.Is(err, ErrPriceLookup) {
		t.Fatalf("expected ErrPriceLookup, got %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("expected OutcomeRejected, got %v", outcome)
	}
	if len(events.keys) != 0 {
		t.Fatalf("event recorded despite the aborted credit")
	}
	if got := balances.get("acct-1").Balance; got != 1000 {
		t.Fatalf("balance moved to %d despite the aborted credit", got)
	}
}

func TestApplyEventPendingRecordsStatusAndNotifies(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 0)
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, nil)

	event := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusUnconfirmed, ValueSats: 20000000}
	outcome, err := svc.ApplyEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ApplyEvent returned error: %v", err)
	}
	if outcome != OutcomePending {
		t.Fatalf("expected OutcomePending, got %v", outcome)
	}
	row := balances.get("acct-1")
	if row.Status != models.StatusUnconfirmed {
		t.Fatalf("expected unconfirmed status, got %d", row.Status)
	}
	if row.Balance != 0 {
		t.Fatalf("pending event moved the balance to %d", row.Balance)
	}
	if len(ledger.all()) != 0 {
		t.Fatalf("pending event wrote %d ledger entries", len(ledger.all()))
	}

	select {
	case call := <-notifier.ch:
		if call.kind != notify.EventPending {
			t.Fatalf("expected %q notification, got %q", notify.EventPending, call.kind)
		}
		if call.nctx.Amount != "10000.00" {
			t.Fatalf("unexpected converted amount %q", call.nctx.Amount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pending notification arrived")
	}
}

func TestApplyEventPendingDoesNotDowngradeStatus(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 0)
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, nil)

	ctx := context.Background()
	confirmed := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusConfirmed, ValueSats: 10000000}
	if _, err := svc.ApplyEvent(ctx, confirmed); err != nil {
		t.Fatalf("confirmed delivery returned error: %v", err)
	}
	balanceAfterCredit := balances.get("acct-1").Balance

	// A late partial sighting of the same txid must not unwind the credit.
	partial := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusPartial, ValueSats: 10000000}
	outcome, err := svc.ApplyEvent(ctx, partial)
	if err != nil {
		t.Fatalf("partial delivery returned error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected OutcomeDuplicate for a late partial, got %v", outcome)
	}
	row := balances.get("acct-1")
	if row.Status != models.StatusConfirmed {
		t.Fatalf("late partial downgraded status to %d", row.Status)
	}
	if row.Balance != balanceAfterCredit {
		t.Fatalf("late partial changed the balance to %d", row.Balance)
	}
}

func TestApplyEventFailedAfterConfirmedIgnored(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 0)
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, nil)

	ctx := context.Background()
	confirmed := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusConfirmed, ValueSats: 10000000}
	if _, err := svc.ApplyEvent(ctx, confirmed); err != nil {
		t.Fatalf("confirmed delivery returned error: %v", err)
	}

	failed := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: models.StatusFailed}
	outcome, err := svc.ApplyEvent(ctx, failed)
	if err != nil {
		t.Fatalf("failed delivery returned error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected failure after credit to be ignored, got %v", outcome)
	}
	row := balances.get("acct-1")
	if row.Status != models.StatusConfirmed {
		t.Fatalf("late failure downgraded status to %d", row.Status)
	}
	if row.Balance != 500000 {
		t.Fatalf("late failure changed the balance to %d", row.Balance)
	}
}

func TestApplyEventFailedMarksBalance(t *testing.T) {
	balances := newMemBalances()
	events := newMemEvents()
	ledger := &memLedger{}
	notifier := newStubNotifier()
	seedBalance(balances, "bc1qaddr", 700)
	svc := newTestReconciler(balances, events, ledger, fixedOracle(50000), notifier, nil)

	event := models.DepositEvent{Address: "bc1qaddr", Txid: "tx-1", Status: -7, ValueSats: 10000000}
	outcome, err := svc.ApplyEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ApplyEvent returned error: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("expected OutcomeRejected, got %v", outcome)
	}
	row := balances.get("acct-1")
	if row.Status != models.StatusFailed {
		t.Fatalf("expected failed status, got %d", row.Status)
	}
	if row.Balance != 700 {
		t.Fatalf("failed event moved the balance to %d", row.Balance)
	}

	select {
	case call := <-notifier.ch:
		if call.kind != notify.EventFailed {
			t.Fatalf("expected %q notification, got %q", notify.EventFailed, call.kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure notification arrived")
	}
}
