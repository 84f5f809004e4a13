package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"payments/internal/models"
)

func TestBalanceStoreCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "INSERT INTO balances") || !strings.Contains(query, "ON CONFLICT (account_id) DO NOTHING") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 4 {
				t.Fatalf("expected 4 args, got %d", len(args))
			}
			if args[0] != "bal-1" || args[1] != "acc-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			return stubResult{rows: 1}, nil
		},
	}
	store := NewBalanceStore(stubDB{})
	created, err := store.CreateIfAbsent(ctx, execer, "bal-1", "acc-1", "order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
}

func TestBalanceStoreCreateIfAbsentConflict(t *testing.T) {
	execer := stubExecer{
		execFn: func(context.Context, string, ...any) (sql.Result, error) {
			return stubResult{rows: 0}, nil
		},
	}
	store := NewBalanceStore(stubDB{})
	created, err := store.CreateIfAbsent(context.Background(), execer, "bal-1", "acc-1", "order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on conflict")
	}
}

func TestBalanceStoreGetForUpdate(t *testing.T) {
	getter := stubGetter{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "FOR UPDATE") {
				t.Fatalf("expected row lock, got: %s", query)
			}
			if len(args) != 1 || args[0] != "acc-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*models.Balance) = models.Balance{ID: "bal-1", AccountID: "acc-1", Balance: 5000}
			return nil
		},
	}
	store := NewBalanceStore(stubDB{})
	row, err := store.GetForUpdate(context.Background(), getter, "acc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Balance != 5000 {
		t.Fatalf("unexpected balance: %d", row.Balance)
	}
}

func TestBalanceStoreBindAddressOnlyWhenUnbound(t *testing.T) {
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "address IS NULL") {
				t.Fatalf("bind must not overwrite an existing address: %s", query)
			}
			return stubResult{rows: 0}, nil
		},
	}
	store := NewBalanceStore(stubDB{})
	bound, err := store.BindAddress(context.Background(), execer, "acc-1", "bc1qnew")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bound {
		t.Fatalf("expected bound=false when a concurrent bind won")
	}
}

func TestBalanceStoreApplyCredit(t *testing.T) {
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "UPDATE balances") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 5 {
				t.Fatalf("expected 5 args, got %d", len(args))
			}
			if args[0] != int64(7500) || args[1] != int64(100000000) || args[2] != "tx-1" || args[3] != models.StatusConfirmed {
				t.Fatalf("unexpected args: %#v", args)
			}
			return stubResult{rows: 1}, nil
		},
	}
	store := NewBalanceStore(stubDB{})
	if err := store.ApplyCredit(context.Background(), execer, "bal-1", "tx-1", 100000000, 7500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
