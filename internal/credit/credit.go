// Package credit implements the prepaid credit ledger: balances, the
// append-only ledger of every grant and deduction, cost quantization, and
// reconciliation of balances against ledger history.
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Pool identifies which credit pool an amount belongs to. Pools are drained
// in DrawOrder: subscription credits are spent before purchased credits.
type Pool string

const (
	PoolSubscription Pool = "subscription"
	PoolPurchased    Pool = "purchased"
)

// DrawOrder is the deterministic spend order across pools. Adding a pool is
// a change here, not a change to the draw-down logic.
var DrawOrder = []Pool{PoolSubscription, PoolPurchased}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindAllocation EntryKind = "allocation"
	KindDeduction  EntryKind = "deduction"
)

// Source identifies why an allocation (or corrective entry) was made.
type Source string

const (
	SourceRenewal        Source = "renewal"
	SourcePurchase       Source = "purchase"
	SourceBonus          Source = "bonus"
	SourceManual         Source = "manual"
	SourceExpiry         Source = "expiry"
	SourceReconciliation Source = "reconciliation"
	SourceUsage          Source = "usage"
)

// Balance is the current credit position of one account.
type Balance struct {
	AccountID string                   `json:"account_id"`
	Pools     map[Pool]decimal.Decimal `json:"pools"`
	Total     decimal.Decimal          `json:"total"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// PoolAmount is a signed per-pool component of a ledger entry.
type PoolAmount struct {
	Pool   Pool            `json:"pool"`
	Amount decimal.Decimal `json:"amount"`
}

// AllocationMetadata records why credits were granted.
type AllocationMetadata struct {
	Source Source `json:"source"`
	// Period identifies the billing period for renewal grants, empty otherwise.
	Period string `json:"period,omitempty"`
	// Expired is the residual balance expired by a non-rollover renewal.
	Expired decimal.Decimal `json:"expired"`
}

// DeductionMetadata records the inputs of a usage charge so the charge can be
// reproduced from the ledger even after the increment changes.
type DeductionMetadata struct {
	RequestID        string          `json:"request_id"`
	VendorCost       decimal.Decimal `json:"vendor_cost"`
	MarginMultiplier decimal.Decimal `json:"margin_multiplier"`
	CostWithMargin   decimal.Decimal `json:"cost_with_margin"`
	IncrementUsed    decimal.Decimal `json:"increment_used"`
}

// ReconciliationMetadata records a drift correction.
type ReconciliationMetadata struct {
	Expected        decimal.Decimal `json:"expected"`
	Actual          decimal.Decimal `json:"actual"`
	EntriesExamined int             `json:"entries_examined"`
}

// Metadata is the tagged per-kind payload of a ledger entry. Exactly one
// variant is set, matching the entry kind.
type Metadata struct {
	Allocation     *AllocationMetadata     `json:"allocation,omitempty"`
	Deduction      *DeductionMetadata      `json:"deduction,omitempty"`
	Reconciliation *ReconciliationMetadata `json:"reconciliation,omitempty"`
}

// LedgerEntry is one immutable record of a balance change. Entries are never
// updated or deleted; mistakes are corrected by appending a compensating
// entry.
type LedgerEntry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Kind          EntryKind       `json:"kind"`
	Source        Source          `json:"source"`
	Amount        decimal.Decimal `json:"amount"` // signed total across pools
	Pools         []PoolAmount    `json:"pools"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Delta is the single mutation primitive accepted by a Store. A positive
// Amount credits the account, a negative Amount debits it.
type Delta struct {
	AccountID string
	Amount    decimal.Decimal
	Kind      EntryKind
	Source    Source
	Metadata  Metadata

	// Pool targets a specific pool. Required for allocations. Deductions
	// normally leave it empty and draw across pools in DrawOrder;
	// reconciliation sets it to correct one pool directly.
	Pool Pool

	// ReplacePool expires the target pool's current balance before applying
	// Amount, so the pool ends at exactly Amount. Only valid for allocations.
	ReplacePool bool

	// IdempotencyKey dedupes retried deltas. When a key has already been
	// applied for this account the stored result is returned with
	// Replayed=true and no new entry is written. Empty disables the check.
	IdempotencyKey string

	// AllowNegative permits the account total to go below zero (overdraft).
	AllowNegative bool
}

// ApplyResult is the committed outcome of a Delta.
type ApplyResult struct {
	Entry      LedgerEntry
	NewBalance decimal.Decimal
	// Replayed reports that IdempotencyKey matched a previously committed
	// delta and Entry/NewBalance describe that original application.
	Replayed bool
}

// EntryQuery selects ledger history for one account.
type EntryQuery struct {
	AccountID string
	From      time.Time // zero means unbounded
	To        time.Time // zero means unbounded
	Limit     int       // 0 means no limit
	Offset    int
}

// PoolSums is the ledger-derived per-pool totals used by reconciliation.
// Entries with SourceReconciliation are excluded: they correct balance drift
// against the ledger and must not shift the expected sums themselves, or a
// second run would re-detect the same drift forever.
type PoolSums struct {
	Pools   map[Pool]decimal.Decimal
	Total   decimal.Decimal
	Entries int
}

// Store is the durable source of truth for balances and the ledger.
//
// ApplyDelta must execute atomically: read the current balance, compute the
// new one, write it and append the ledger entry, with no other writer
// interleaving on the same account. Implementations retry write-write
// conflicts a bounded number of times before returning ErrConflictExhausted,
// and return ErrInsufficientBalance when the delta would take the total
// negative and AllowNegative is unset.
type Store interface {
	// GetBalance returns the current position. An account with no history
	// yet reads as a zero balance, not an error.
	GetBalance(ctx context.Context, accountID string) (Balance, error)
	ApplyDelta(ctx context.Context, d Delta) (ApplyResult, error)
	Entries(ctx context.Context, q EntryQuery) ([]LedgerEntry, error)
	SumEntries(ctx context.Context, accountID string) (PoolSums, error)
	// Reconcile compares the stored balance against the ledger sums and
	// applies the compensating deltas from CorrectionDeltas, all in one
	// critical section: no concurrent ApplyDelta may land between the reads
	// and the correction, or a consistent account would look drifted.
	Reconcile(ctx context.Context, accountID string) (ReconcileOutcome, error)
	// ActiveAccounts lists accounts with ledger activity since the given time.
	ActiveAccounts(ctx context.Context, since time.Time) ([]string, error)
}
