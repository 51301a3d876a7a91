package credit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// CreditUnitUSD is the fixed conversion factor: one credit is worth $0.01 of
// vendor cost before margin.
var CreditUnitUSD = decimal.NewFromFloat(0.01)

// AllowedIncrements is the enumerated set of charge granularities, in
// credits. Coarser values over-charge small requests more; finer values
// reduce the worst-case markup without any caller change.
var AllowedIncrements = []decimal.Decimal{
	decimal.NewFromFloat(0.01),
	decimal.NewFromFloat(0.1),
	decimal.NewFromInt(1),
}

// ValidIncrement reports whether v is one of AllowedIncrements.
func ValidIncrement(v decimal.Decimal) bool {
	for _, a := range AllowedIncrements {
		if a.Equal(v) {
			return true
		}
	}
	return false
}

// Quantize converts a with-margin USD cost into a credit charge: the cost is
// divided by the USD value of one increment and rounded up, so the platform
// never under-charges and never charges a fraction of an increment.
//
// A zero cost quantizes to zero. A negative cost returns ErrNegativeCost.
func Quantize(costWithMargin, increment decimal.Decimal) (decimal.Decimal, error) {
	if costWithMargin.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: cost %s", ErrNegativeCost, costWithMargin)
	}
	if costWithMargin.IsZero() {
		return decimal.Zero, nil
	}
	incrementUSD := increment.Mul(CreditUnitUSD)
	steps := costWithMargin.Div(incrementUSD).Ceil()
	return steps.Mul(increment), nil
}

// IncrementStore persists the configured quantization increment.
type IncrementStore interface {
	LoadIncrement(ctx context.Context) (decimal.Decimal, error)
	SaveIncrement(ctx context.Context, v decimal.Decimal) error
}

type incrementSnapshot struct {
	value    decimal.Decimal
	loadedAt time.Time
}

// IncrementConfig caches the quantization increment in-process so every
// deduction reads it without a storage round-trip. It is loaded once at
// construction and refreshed only by explicit calls; concurrent readers see
// the cached value through an atomic pointer, so a refresh in flight may be
// observed slightly stale by callers already past the load.
type IncrementConfig struct {
	store IncrementStore
	cur   atomic.Pointer[incrementSnapshot]
}

// NewIncrementConfig loads the current increment from store and returns a
// ready config.
func NewIncrementConfig(ctx context.Context, store IncrementStore) (*IncrementConfig, error) {
	c := &IncrementConfig{store: store}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Current returns the cached increment without I/O.
func (c *IncrementConfig) Current() decimal.Decimal {
	return c.cur.Load().value
}

// LoadedAt reports when the cached value was last read from the store.
func (c *IncrementConfig) LoadedAt() time.Time {
	return c.cur.Load().loadedAt
}

// Refresh re-reads the increment from the store and swaps the cache.
func (c *IncrementConfig) Refresh(ctx context.Context) error {
	v, err := c.store.LoadIncrement(ctx)
	if err != nil {
		return fmt.Errorf("load increment: %w", err)
	}
	if !ValidIncrement(v) {
		return fmt.Errorf("%w: stored value %s", ErrInvalidIncrement, v)
	}
	c.cur.Store(&incrementSnapshot{value: v, loadedAt: time.Now().UTC()})
	return nil
}

// Update validates and persists a new increment, then refreshes the cache so
// subsequent Quantize calls use it immediately. Past ledger entries keep the
// increment they were charged with.
func (c *IncrementConfig) Update(ctx context.Context, v decimal.Decimal) error {
	if !ValidIncrement(v) {
		return fmt.Errorf("%w: %s", ErrInvalidIncrement, v)
	}
	if err := c.store.SaveIncrement(ctx, v); err != nil {
		return fmt.Errorf("save increment: %w", err)
	}
	return c.Refresh(ctx)
}
