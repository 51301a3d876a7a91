package credit

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
)

// GrantOptions control where and how a grant lands.
type GrantOptions struct {
	// Pool receiving the credits. Defaults to PoolSubscription.
	Pool Pool

	// Period identifies the billing period for renewal grants. When set,
	// granting twice for the same (account, source, period) is a no-op
	// replay rather than a double allocation.
	Period string

	// Rollover keeps the pool's unused balance and adds the grant on top.
	// When false (the default for renewals) the pool is replaced: the
	// residual expires and the pool ends at exactly the granted amount.
	Rollover bool
}

// AllocationResult describes a committed (or replayed) grant.
type AllocationResult struct {
	AccountID  string          `json:"account_id"`
	Granted    decimal.Decimal `json:"granted"`
	Expired    decimal.Decimal `json:"expired"`
	NewBalance decimal.Decimal `json:"new_balance"`
	EntryID    string          `json:"entry_id"`
	Replayed   bool            `json:"replayed"`
}

// Allocator grants credits to accounts through the store's atomic primitive.
type Allocator struct {
	store  Store
	events EventPublisher // optional
}

func NewAllocator(store Store, events EventPublisher) *Allocator {
	return &Allocator{store: store, events: events}
}

// Grant credits the account. amount must be positive. Renewal grants carry a
// period in opts for idempotency; bonus and manual grants usually do not.
func (a *Allocator) Grant(ctx context.Context, accountID string, amount decimal.Decimal, source Source, opts GrantOptions) (AllocationResult, error) {
	if !amount.IsPositive() {
		return AllocationResult{}, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}

	pool := opts.Pool
	if pool == "" {
		pool = PoolSubscription
	}

	var idemKey string
	if opts.Period != "" {
		idemKey = fmt.Sprintf("grant:%s:%s:%s", accountID, source, opts.Period)
	}

	// A renewal without rollover replaces the pool instead of adding to it.
	replace := source == SourceRenewal && !opts.Rollover

	res, err := a.store.ApplyDelta(ctx, Delta{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        KindAllocation,
		Source:      source,
		Pool:        pool,
		ReplacePool: replace,
		Metadata: Metadata{Allocation: &AllocationMetadata{
			Source: source,
			Period: opts.Period,
		}},
		IdempotencyKey: idemKey,
		// Expiring a residual larger than the grant may debit more than it
		// credits; the replace itself must not be blocked by the floor.
		AllowNegative: replace,
	})
	if err != nil {
		return AllocationResult{}, err
	}

	a.publish(res)

	expired := decimal.Zero
	if md := res.Entry.Metadata.Allocation; md != nil {
		expired = md.Expired
	}
	return AllocationResult{
		AccountID:  accountID,
		Granted:    amount,
		Expired:    expired,
		NewBalance: res.NewBalance,
		EntryID:    res.Entry.ID,
		Replayed:   res.Replayed,
	}, nil
}

func (a *Allocator) publish(res ApplyResult) {
	if a.events == nil || res.Replayed {
		return
	}
	entry := res.Entry
	go func() {
		if err := a.events.PublishEntry(context.Background(), entry); err != nil {
			log.Printf("credit: publish ledger entry %s: %v", entry.ID, err)
		}
	}()
}
