package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rephlo/credit-ledger/internal/credit"
	"github.com/rephlo/credit-ledger/internal/credit/memory"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Reconciling a consistent account while deductions are committing must
// never report drift: the balance read, the ledger sum, and any correction
// happen in one critical section. A deduction landing between a ledger sum
// and a balance read would otherwise look like drift and get "corrected"
// into a real imbalance.
func TestReconcileUnderConcurrentWrites(t *testing.T) {
	store := memory.NewStore()
	rec := credit.NewReconciler(store, nil)
	ctx := context.Background()

	if _, err := store.ApplyDelta(ctx, credit.Delta{
		AccountID: "acct-1",
		Amount:    dec("1000"),
		Kind:      credit.KindAllocation,
		Source:    credit.SourceBonus,
		Pool:      credit.PoolSubscription,
	}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	const deductions = 200
	reports := make(chan credit.Report, deductions)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < deductions; i++ {
			if _, err := store.ApplyDelta(ctx, credit.Delta{
				AccountID: "acct-1",
				Amount:    dec("-1"),
				Kind:      credit.KindDeduction,
				Source:    credit.SourceUsage,
			}); err != nil {
				t.Errorf("deduct %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < deductions/2; i++ {
			rep, err := rec.Reconcile(ctx, "acct-1")
			if err != nil {
				t.Errorf("reconcile %d: %v", i, err)
				return
			}
			reports <- rep
		}
	}()
	wg.Wait()
	close(reports)

	for rep := range reports {
		if rep.Drifted() {
			t.Fatalf("reconcile reported drift %s (%d corrections) on a consistent account",
				rep.Drift, len(rep.Corrections))
		}
	}

	bal, err := store.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	sums, err := store.SumEntries(ctx, "acct-1")
	if err != nil {
		t.Fatalf("SumEntries: %v", err)
	}
	if !bal.Total.Equal(dec("800")) {
		t.Errorf("balance = %s, want 800", bal.Total)
	}
	if !bal.Total.Equal(sums.Total) {
		t.Errorf("balance %s != ledger sum %s", bal.Total, sums.Total)
	}
}

func TestReconcileCorrectsInjectedDrift(t *testing.T) {
	store := memory.NewStore()
	rec := credit.NewReconciler(store, nil)
	ctx := context.Background()

	if _, err := store.ApplyDelta(ctx, credit.Delta{
		AccountID: "acct-1",
		Amount:    dec("100"),
		Kind:      credit.KindAllocation,
		Source:    credit.SourceBonus,
		Pool:      credit.PoolSubscription,
	}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	store.OverwriteBalance("acct-1", credit.PoolSubscription, dec("25"))

	rep, err := rec.Reconcile(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !rep.Drift.Equal(dec("75")) {
		t.Errorf("drift = %s, want 75", rep.Drift)
	}
	if len(rep.Corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(rep.Corrections))
	}

	bal, err := store.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Total.Equal(dec("100")) {
		t.Errorf("balance = %s after correction, want 100", bal.Total)
	}

	// A second run sees a consistent account.
	rep, err = rec.Reconcile(ctx, "acct-1")
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if rep.Drifted() {
		t.Errorf("second run reported drift %s", rep.Drift)
	}
}

// Mutations on distinct accounts run under distinct locks; every account's
// balance must still match its ledger afterwards.
func TestApplyDeltaConcurrentAccounts(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	const accounts = 8
	const perAccount = 50

	var wg sync.WaitGroup
	for a := 0; a < accounts; a++ {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			for i := 0; i < perAccount; i++ {
				if _, err := store.ApplyDelta(ctx, credit.Delta{
					AccountID: accountID,
					Amount:    dec("1"),
					Kind:      credit.KindAllocation,
					Source:    credit.SourceBonus,
					Pool:      credit.PoolPurchased,
				}); err != nil {
					t.Errorf("%s: %v", accountID, err)
					return
				}
			}
		}(fmt.Sprintf("acct-%d", a))
	}
	wg.Wait()

	for a := 0; a < accounts; a++ {
		accountID := fmt.Sprintf("acct-%d", a)
		bal, err := store.GetBalance(ctx, accountID)
		if err != nil {
			t.Fatalf("GetBalance(%s): %v", accountID, err)
		}
		if !bal.Total.Equal(dec("50")) {
			t.Errorf("%s balance = %s, want 50", accountID, bal.Total)
		}
		sums, err := store.SumEntries(ctx, accountID)
		if err != nil {
			t.Fatalf("SumEntries(%s): %v", accountID, err)
		}
		if sums.Entries != perAccount {
			t.Errorf("%s entries = %d, want %d", accountID, sums.Entries, perAccount)
		}
	}
}
