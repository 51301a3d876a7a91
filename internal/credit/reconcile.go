package credit

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
)

// PoolDrift is the per-pool difference found by a reconciliation run.
type PoolDrift struct {
	Pool     Pool            `json:"pool"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	Drift    decimal.Decimal `json:"drift"` // expected - actual
	EntryID  string          `json:"entry_id,omitempty"`
}

// Report is the outcome of reconciling one account.
type Report struct {
	AccountID       string          `json:"account_id"`
	Expected        decimal.Decimal `json:"expected"`
	Actual          decimal.Decimal `json:"actual"`
	Drift           decimal.Decimal `json:"drift"`
	EntriesExamined int             `json:"entries_examined"`
	Corrections     []PoolDrift     `json:"corrections,omitempty"`
}

// Drifted reports whether the run found any mismatch.
func (r Report) Drifted() bool {
	return !r.Drift.IsZero() || len(r.Corrections) > 0
}

// ReconcileOutcome is what a store's atomic Reconcile observed and did: the
// balance and ledger sums as of one consistent point, plus the corrections
// applied before any other writer could interleave.
type ReconcileOutcome struct {
	Balance     Balance
	Sums        PoolSums
	Corrections []ApplyResult
}

// CorrectionDeltas builds the per-pool compensating deltas that bring the
// stored balance back to the ledger sum. Store implementations apply these
// inside the same critical section that produced bal and sums.
func CorrectionDeltas(accountID string, bal Balance, sums PoolSums) []Delta {
	var out []Delta
	for _, pool := range DrawOrder {
		expected := sums.Pools[pool]
		actual := bal.Pools[pool]
		drift := expected.Sub(actual)
		if drift.IsZero() {
			continue
		}

		kind := KindAllocation
		if drift.IsNegative() {
			kind = KindDeduction
		}
		out = append(out, Delta{
			AccountID: accountID,
			Amount:    drift,
			Kind:      kind,
			Source:    SourceReconciliation,
			Pool:      pool,
			Metadata: Metadata{Reconciliation: &ReconciliationMetadata{
				Expected:        expected,
				Actual:          actual,
				EntriesExamined: sums.Entries,
			}},
			AllowNegative: true,
		})
	}
	return out
}

// Reconciler recomputes balances from ledger history and corrects drift.
// Corrections go through the same ledger-append path as every other balance
// change, never a raw overwrite, so the correction is itself an auditable
// ledger entry.
type Reconciler struct {
	store  Store
	events EventPublisher // optional
}

func NewReconciler(store Store, events EventPublisher) *Reconciler {
	return &Reconciler{store: store, events: events}
}

// Reconcile compares the account's stored balance against its ledger sum and
// appends a compensating entry for every pool that drifted. The comparison
// and the corrections run atomically in the store, so reconciling an account
// under live traffic never manufactures drift. Drift is reported, corrected,
// and never fatal.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string) (Report, error) {
	out, err := r.store.Reconcile(ctx, accountID)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile %s: %w", accountID, err)
	}

	report := Report{
		AccountID:       accountID,
		Expected:        out.Sums.Total,
		Actual:          out.Balance.Total,
		Drift:           out.Sums.Total.Sub(out.Balance.Total),
		EntriesExamined: out.Sums.Entries,
	}

	for _, res := range out.Corrections {
		entry := res.Entry
		pd := PoolDrift{Drift: entry.Amount, EntryID: entry.ID}
		if len(entry.Pools) > 0 {
			pd.Pool = entry.Pools[0].Pool
		}
		if md := entry.Metadata.Reconciliation; md != nil {
			pd.Expected = md.Expected
			pd.Actual = md.Actual
		}

		log.Printf("credit: reconciliation corrected %s/%s by %s (expected %s, had %s)",
			accountID, pd.Pool, pd.Drift, pd.Expected, pd.Actual)
		r.publish(res)

		report.Corrections = append(report.Corrections, pd)
	}

	return report, nil
}

func (r *Reconciler) publish(res ApplyResult) {
	if r.events == nil {
		return
	}
	entry := res.Entry
	go func() {
		if err := r.events.PublishEntry(context.Background(), entry); err != nil {
			log.Printf("credit: publish ledger entry %s: %v", entry.ID, err)
		}
	}()
}
