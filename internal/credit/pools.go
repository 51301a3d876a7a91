package credit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ResolvePoolChanges turns a Delta into signed per-pool amounts given the
// account's current pool balances. Both store implementations resolve deltas
// through this function so draw-down semantics never diverge between them.
//
// Allocations land on the delta's target pool; a replace allocation first
// expires the pool's residual, which is recorded in the metadata. Deductions
// without a target pool draw across DrawOrder, overdrawing the last pool if
// the caller allowed it.
func ResolvePoolChanges(pools map[Pool]decimal.Decimal, d Delta, md *Metadata) ([]PoolAmount, error) {
	switch {
	case d.Kind == KindAllocation:
		if d.Pool == "" {
			return nil, fmt.Errorf("credit: allocation requires a target pool")
		}
		amount := d.Amount
		if d.ReplacePool {
			residual := pools[d.Pool]
			amount = amount.Sub(residual)
			if md.Allocation != nil {
				a := *md.Allocation
				a.Expired = residual
				md.Allocation = &a
			}
		}
		return []PoolAmount{{Pool: d.Pool, Amount: amount}}, nil

	case d.Pool != "":
		// Targeted deduction: reconciliation corrects one pool directly.
		return []PoolAmount{{Pool: d.Pool, Amount: d.Amount}}, nil

	default:
		remaining := d.Amount.Neg()
		var out []PoolAmount
		for i, p := range DrawOrder {
			avail := pools[p]
			if avail.IsNegative() {
				avail = decimal.Zero
			}
			take := decimal.Min(avail, remaining)
			if i == len(DrawOrder)-1 {
				take = remaining
			}
			if take.IsZero() {
				continue
			}
			out = append(out, PoolAmount{Pool: p, Amount: take.Neg()})
			remaining = remaining.Sub(take)
		}
		return out, nil
	}
}
