package credit

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		name      string
		cost      string
		increment string
		want      string
	}{
		{"tenth increment rounds tiny cost up", "0.000369", "0.1", "0.1"},
		{"whole increment rounds tiny cost up", "0.000369", "1", "1"},
		{"hundredth increment", "0.000369", "0.01", "0.04"},
		{"exact multiple stays", "0.002", "0.1", "0.2"},
		{"just above multiple rounds up", "0.0021", "0.1", "0.3"},
		{"zero cost is free", "0", "0.1", "0"},
		{"one full credit", "0.01", "1", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Quantize(dec(tt.cost), dec(tt.increment))
			if err != nil {
				t.Fatalf("Quantize(%s, %s): %v", tt.cost, tt.increment, err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Errorf("Quantize(%s, %s) = %s, want %s", tt.cost, tt.increment, got, tt.want)
			}
		})
	}
}

func TestQuantizeNegativeCost(t *testing.T) {
	_, err := Quantize(dec("-0.01"), dec("0.1"))
	if !errors.Is(err, ErrNegativeCost) {
		t.Fatalf("expected ErrNegativeCost, got %v", err)
	}
}

func TestQuantizeProperties(t *testing.T) {
	costs := []string{"0.0000001", "0.000246", "0.0005", "0.001", "0.0039", "0.01", "0.05", "0.123", "1.5", "20"}
	for _, incStr := range []string{"0.01", "0.1", "1"} {
		inc := dec(incStr)
		prev := decimal.Zero
		for _, c := range costs {
			got, err := Quantize(dec(c), inc)
			if err != nil {
				t.Fatalf("Quantize(%s, %s): %v", c, incStr, err)
			}
			// Never below one increment for a positive cost.
			if got.LessThan(inc) {
				t.Errorf("Quantize(%s, %s) = %s, below increment", c, incStr, got)
			}
			// Always an exact multiple of the increment.
			if !got.Mod(inc).IsZero() {
				t.Errorf("Quantize(%s, %s) = %s, not a multiple of %s", c, incStr, got, incStr)
			}
			// Monotonically non-decreasing in cost.
			if got.LessThan(prev) {
				t.Errorf("Quantize(%s, %s) = %s decreased from %s", c, incStr, got, prev)
			}
			// Never under-charges: the credit value covers the cost.
			if got.Mul(CreditUnitUSD).LessThan(dec(c)) {
				t.Errorf("Quantize(%s, %s) = %s under-charges", c, incStr, got)
			}
			prev = got
		}
	}
}

type fakeIncrementStore struct {
	value decimal.Decimal
	saves int
}

func (f *fakeIncrementStore) LoadIncrement(context.Context) (decimal.Decimal, error) {
	return f.value, nil
}

func (f *fakeIncrementStore) SaveIncrement(_ context.Context, v decimal.Decimal) error {
	f.value = v
	f.saves++
	return nil
}

func TestIncrementConfig(t *testing.T) {
	ctx := context.Background()
	fs := &fakeIncrementStore{value: dec("0.1")}

	cfg, err := NewIncrementConfig(ctx, fs)
	if err != nil {
		t.Fatalf("NewIncrementConfig: %v", err)
	}
	if !cfg.Current().Equal(dec("0.1")) {
		t.Fatalf("Current() = %s, want 0.1", cfg.Current())
	}

	// Store changes are not visible until an explicit refresh.
	fs.value = dec("1")
	if !cfg.Current().Equal(dec("0.1")) {
		t.Fatalf("Current() picked up unrefreshed value")
	}
	if err := cfg.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !cfg.Current().Equal(dec("1")) {
		t.Fatalf("Current() = %s after refresh, want 1", cfg.Current())
	}
}

func TestIncrementConfigUpdate(t *testing.T) {
	ctx := context.Background()
	fs := &fakeIncrementStore{value: dec("1")}
	cfg, err := NewIncrementConfig(ctx, fs)
	if err != nil {
		t.Fatalf("NewIncrementConfig: %v", err)
	}

	if err := cfg.Update(ctx, dec("0.25")); !errors.Is(err, ErrInvalidIncrement) {
		t.Fatalf("Update(0.25) err = %v, want ErrInvalidIncrement", err)
	}
	if fs.saves != 0 {
		t.Fatalf("invalid update reached the store")
	}

	if err := cfg.Update(ctx, dec("0.01")); err != nil {
		t.Fatalf("Update(0.01): %v", err)
	}
	if !cfg.Current().Equal(dec("0.01")) {
		t.Fatalf("Current() = %s after update, want 0.01", cfg.Current())
	}
	if fs.saves != 1 {
		t.Fatalf("saves = %d, want 1", fs.saves)
	}
}

func TestIncrementConfigRejectsBadStoredValue(t *testing.T) {
	_, err := NewIncrementConfig(context.Background(), &fakeIncrementStore{value: dec("0.5")})
	if !errors.Is(err, ErrInvalidIncrement) {
		t.Fatalf("expected ErrInvalidIncrement, got %v", err)
	}
}
