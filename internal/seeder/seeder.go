package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/shopspring/decimal"

	"github.com/rephlo/credit-ledger/internal/auth"
	"github.com/rephlo/credit-ledger/internal/credit"
)

const (
	TestAPIKey      = "test-api-key-12345"
	TestAdminAPIKey = "test-admin-key-12345"
	TestAccountID   = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAccount creates a test API key, an admin key, and an initial
// credit grant so a fresh deployment can be exercised immediately.
func SeedTestAccount(ctx context.Context, store auth.Store, allocator *credit.Allocator) {
	for _, k := range []struct {
		key   string
		admin bool
	}{
		{TestAPIKey, false},
		{TestAdminAPIKey, true},
	} {
		h := sha256.New()
		h.Write([]byte(k.key))
		apiKey := &auth.APIKey{
			AccountID: TestAccountID,
			KeyHash:   hex.EncodeToString(h.Sum(nil)),
			Admin:     k.admin,
			Active:    true,
		}
		if err := store.Create(ctx, apiKey); err != nil {
			log.Printf("[Seeder] API key may already exist, skipping: %v", err)
			continue
		}
		log.Printf("[Seeder] API key created (admin=%v): %s", k.admin, k.key)
	}

	res, err := allocator.Grant(ctx, TestAccountID, decimal.NewFromInt(100), credit.SourceBonus,
		credit.GrantOptions{Period: "seed"})
	if err != nil {
		log.Printf("[Seeder] initial grant failed: %v", err)
		return
	}
	if res.Replayed {
		log.Printf("[Seeder] initial grant already applied")
		return
	}
	log.Printf("[Seeder] granted %s credits to %s", res.Granted, TestAccountID)
}
