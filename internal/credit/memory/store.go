// Package memory provides an in-memory credit.Store. It is safe for
// concurrent use and backs tests and single-process local runs; production
// deployments use the postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rephlo/credit-ledger/internal/credit"
)

// accountState is guarded by its account's lock, not s.mu.
type accountState struct {
	pools     map[credit.Pool]decimal.Decimal
	updatedAt time.Time
}

// Store keeps balances and the ledger in process memory. Each account's
// read-modify-write runs under that account's lock so unrelated accounts
// never contend, mirroring the per-account row locking of the postgres
// store; s.mu only guards the shared maps and the ledger slice.
type Store struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	accounts  map[string]*accountState
	entries   []credit.LedgerEntry
	idem      map[string]credit.ApplyResult
	increment decimal.Decimal
}

var (
	_ credit.Store          = (*Store)(nil)
	_ credit.IncrementStore = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		locks:     make(map[string]*sync.Mutex),
		accounts:  make(map[string]*accountState),
		idem:      make(map[string]credit.ApplyResult),
		increment: decimal.NewFromFloat(0.1),
	}
}

func (s *Store) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// state fetches the account's state, creating it when create is set. The
// caller must hold the account lock before touching the returned state.
func (s *Store) state(accountID string, create bool) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[accountID]
	if !ok && create {
		st = &accountState{pools: make(map[credit.Pool]decimal.Decimal)}
		s.accounts[accountID] = st
	}
	return st
}

func (s *Store) GetBalance(_ context.Context, accountID string) (credit.Balance, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return s.snapshot(accountID), nil
}

// snapshot builds a Balance. Caller holds the account lock.
func (s *Store) snapshot(accountID string) credit.Balance {
	bal := credit.Balance{
		AccountID: accountID,
		Pools:     make(map[credit.Pool]decimal.Decimal),
		Total:     decimal.Zero,
	}
	st := s.state(accountID, false)
	if st == nil {
		return bal
	}
	for p, v := range st.pools {
		bal.Pools[p] = v
		bal.Total = bal.Total.Add(v)
	}
	bal.UpdatedAt = st.updatedAt
	return bal
}

func (s *Store) ApplyDelta(_ context.Context, d credit.Delta) (credit.ApplyResult, error) {
	lock := s.accountLock(d.AccountID)
	lock.Lock()
	defer lock.Unlock()
	return s.apply(d)
}

// apply runs the read-modify-write. The caller holds the account lock; s.mu
// is taken only around the shared maps.
func (s *Store) apply(d credit.Delta) (credit.ApplyResult, error) {
	if d.IdempotencyKey != "" {
		s.mu.Lock()
		prev, ok := s.idem[d.AccountID+"\x00"+d.IdempotencyKey]
		s.mu.Unlock()
		if ok {
			prev.Replayed = true
			return prev, nil
		}
	}

	st := s.state(d.AccountID, true)

	before := decimal.Zero
	for _, v := range st.pools {
		before = before.Add(v)
	}

	md := d.Metadata
	poolAmounts, err := credit.ResolvePoolChanges(st.pools, d, &md)
	if err != nil {
		return credit.ApplyResult{}, err
	}

	net := decimal.Zero
	for _, pa := range poolAmounts {
		net = net.Add(pa.Amount)
	}
	after := before.Add(net)
	if after.IsNegative() && !d.AllowNegative {
		return credit.ApplyResult{}, fmt.Errorf("%w: balance %s, delta %s", credit.ErrInsufficientBalance, before, net)
	}

	for _, pa := range poolAmounts {
		st.pools[pa.Pool] = st.pools[pa.Pool].Add(pa.Amount)
	}
	st.updatedAt = time.Now().UTC()

	entry := credit.LedgerEntry{
		ID:            uuid.New().String(),
		AccountID:     d.AccountID,
		Kind:          d.Kind,
		Source:        d.Source,
		Amount:        net,
		Pools:         poolAmounts,
		BalanceBefore: before,
		BalanceAfter:  after,
		Metadata:      md,
		CreatedAt:     st.updatedAt,
	}

	res := credit.ApplyResult{Entry: entry, NewBalance: after}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if d.IdempotencyKey != "" {
		s.idem[d.AccountID+"\x00"+d.IdempotencyKey] = res
	}
	s.mu.Unlock()
	return res, nil
}

// Reconcile holds the account lock across the balance read, the ledger sum,
// and the corrections, so a delta committing mid-reconcile can never make a
// consistent account look drifted.
func (s *Store) Reconcile(_ context.Context, accountID string) (credit.ReconcileOutcome, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	out := credit.ReconcileOutcome{Balance: s.snapshot(accountID)}
	s.mu.Lock()
	out.Sums = s.sumEntries(accountID)
	s.mu.Unlock()

	for _, d := range credit.CorrectionDeltas(accountID, out.Balance, out.Sums) {
		res, err := s.apply(d)
		if err != nil {
			return out, err
		}
		out.Corrections = append(out.Corrections, res)
	}
	return out, nil
}

func (s *Store) Entries(_ context.Context, q credit.EntryQuery) ([]credit.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []credit.LedgerEntry
	skipped := 0
	for _, e := range s.entries {
		if e.AccountID != q.AccountID {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SumEntries(_ context.Context, accountID string) (credit.PoolSums, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumEntries(accountID), nil
}

// sumEntries totals the account's non-reconciliation entries per pool.
// Caller holds s.mu.
func (s *Store) sumEntries(accountID string) credit.PoolSums {
	sums := credit.PoolSums{Pools: make(map[credit.Pool]decimal.Decimal), Total: decimal.Zero}
	for _, e := range s.entries {
		if e.AccountID != accountID || e.Source == credit.SourceReconciliation {
			continue
		}
		sums.Entries++
		for _, pa := range e.Pools {
			sums.Pools[pa.Pool] = sums.Pools[pa.Pool].Add(pa.Amount)
			sums.Total = sums.Total.Add(pa.Amount)
		}
	}
	return sums
}

func (s *Store) ActiveAccounts(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, e := range s.entries {
		if !e.CreatedAt.Before(since) {
			seen[e.AccountID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) LoadIncrement(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increment, nil
}

func (s *Store) SaveIncrement(_ context.Context, v decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increment = v
	return nil
}

// OverwriteBalance sets a pool balance directly, bypassing the ledger. It
// exists to simulate drift (storage corruption) in tests and has no
// production caller.
func (s *Store) OverwriteBalance(accountID string, pool credit.Pool, amount decimal.Decimal) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	st := s.state(accountID, true)
	st.pools[pool] = amount
	st.updatedAt = time.Now().UTC()
}
