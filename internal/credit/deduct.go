package credit

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
)

// EventPublisher receives every committed ledger entry, e.g. for streaming
// the audit trail to a broker. Publishing is best-effort and asynchronous;
// the ledger itself is the source of truth.
type EventPublisher interface {
	PublishEntry(ctx context.Context, entry LedgerEntry) error
}

// DeductOptions control policy decisions the engine refuses to make
// implicitly.
type DeductOptions struct {
	// AllowOverdraft permits the charge even when it exceeds the balance.
	// When false the charge fails with ErrInsufficientBalance.
	AllowOverdraft bool
}

// DeductionResult describes a committed (or replayed) charge.
type DeductionResult struct {
	AccountID  string          `json:"account_id"`
	Charged    decimal.Decimal `json:"charged"`
	NewBalance decimal.Decimal `json:"new_balance"`
	EntryID    string          `json:"entry_id,omitempty"`
	// Replayed reports that the request ID was already charged and this is
	// the original result, not a second charge.
	Replayed bool `json:"replayed"`
}

// Deductor converts vendor costs into quantized credit charges and applies
// them to the balance through the store's atomic primitive.
type Deductor struct {
	store     Store
	increment *IncrementConfig
	events    EventPublisher // optional
}

func NewDeductor(store Store, increment *IncrementConfig, events EventPublisher) *Deductor {
	return &Deductor{store: store, increment: increment, events: events}
}

// Estimate computes the credits a charge would cost without touching the
// balance. Used for pre-flight affordability checks.
func (d *Deductor) Estimate(vendorCost, marginMultiplier decimal.Decimal) (decimal.Decimal, error) {
	if vendorCost.IsNegative() || marginMultiplier.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: vendor cost %s, margin %s", ErrNegativeCost, vendorCost, marginMultiplier)
	}
	return Quantize(vendorCost.Mul(marginMultiplier), d.increment.Current())
}

// Deduct charges the account for one vendor request. The charge is
// vendorCost scaled by marginMultiplier, quantized up to the current
// increment, and applied atomically. requestID makes the call idempotent: a
// retry with the same ID returns the original result and does not charge
// again.
//
// A zero charge commits nothing and appends no ledger entry.
func (d *Deductor) Deduct(ctx context.Context, accountID string, vendorCost, marginMultiplier decimal.Decimal, requestID string, opts DeductOptions) (DeductionResult, error) {
	if vendorCost.IsNegative() || marginMultiplier.IsNegative() {
		return DeductionResult{}, fmt.Errorf("%w: vendor cost %s, margin %s", ErrNegativeCost, vendorCost, marginMultiplier)
	}

	increment := d.increment.Current()
	costWithMargin := vendorCost.Mul(marginMultiplier)
	charge, err := Quantize(costWithMargin, increment)
	if err != nil {
		return DeductionResult{}, err
	}

	if charge.IsZero() {
		bal, err := d.store.GetBalance(ctx, accountID)
		if err != nil {
			return DeductionResult{}, err
		}
		return DeductionResult{AccountID: accountID, Charged: decimal.Zero, NewBalance: bal.Total}, nil
	}

	res, err := d.store.ApplyDelta(ctx, Delta{
		AccountID: accountID,
		Amount:    charge.Neg(),
		Kind:      KindDeduction,
		Source:    SourceUsage,
		Metadata: Metadata{Deduction: &DeductionMetadata{
			RequestID:        requestID,
			VendorCost:       vendorCost,
			MarginMultiplier: marginMultiplier,
			CostWithMargin:   costWithMargin,
			IncrementUsed:    increment,
		}},
		IdempotencyKey: requestID,
		AllowNegative:  opts.AllowOverdraft,
	})
	if err != nil {
		return DeductionResult{}, err
	}

	d.publish(res)

	return DeductionResult{
		AccountID:  accountID,
		Charged:    res.Entry.Amount.Abs(),
		NewBalance: res.NewBalance,
		EntryID:    res.Entry.ID,
		Replayed:   res.Replayed,
	}, nil
}

func (d *Deductor) publish(res ApplyResult) {
	if d.events == nil || res.Replayed {
		return
	}
	entry := res.Entry
	go func() {
		if err := d.events.PublishEntry(context.Background(), entry); err != nil {
			log.Printf("credit: publish ledger entry %s: %v", entry.ID, err)
		}
	}()
}
