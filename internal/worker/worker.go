// Package worker runs the background reconciliation sweep: every interval it
// re-derives the balance of each recently-active account from the ledger and
// corrects any drift.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/rephlo/credit-ledger/internal/credit"
)

type Sweeper struct {
	store      credit.Store
	reconciler *credit.Reconciler
	interval   time.Duration
	lookback   time.Duration
}

func NewSweeper(store credit.Store, reconciler *credit.Reconciler, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:      store,
		reconciler: reconciler,
		interval:   interval,
		// Sweep accounts active within two intervals so an account is never
		// missed between consecutive runs.
		lookback: 2 * interval,
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("worker: reconciliation sweep every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("worker: reconciliation sweep stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	accounts, err := s.store.ActiveAccounts(ctx, time.Now().UTC().Add(-s.lookback))
	if err != nil {
		log.Printf("worker: list active accounts: %v", err)
		return
	}

	drifted := 0
	for _, accountID := range accounts {
		report, err := s.reconciler.Reconcile(ctx, accountID)
		if err != nil {
			log.Printf("worker: reconcile %s: %v", accountID, err)
			continue
		}
		if report.Drifted() {
			drifted++
		}
	}
	if len(accounts) > 0 {
		log.Printf("worker: swept %d accounts, %d drift corrections", len(accounts), drifted)
	}
}
