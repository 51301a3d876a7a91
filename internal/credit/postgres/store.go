// Package postgres provides the production credit.Store backed by
// PostgreSQL. ApplyDelta runs as a single transaction that locks the
// account's balance rows, appends the ledger entry, and records the
// idempotency key, so no other writer can interleave a read-then-write on
// the same account.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rephlo/credit-ledger/internal/credit"
)

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 25 * time.Millisecond
)

// Store is a PostgreSQL-backed credit.Store.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
	backoff     time.Duration
}

var (
	_ credit.Store          = (*Store)(nil)
	_ credit.IncrementStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithMaxAttempts sets the bounded retry budget for conflicting transactions.
func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

// WithRetryBackoff sets the base delay between conflict retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) { s.backoff = d }
}

func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the required tables if they don't exist and seeds the
// quantization config row with its default.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := `
		CREATE TABLE IF NOT EXISTS credit_balances (
			account_id TEXT NOT NULL,
			pool TEXT NOT NULL,
			amount NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (account_id, pool)
		);
		CREATE TABLE IF NOT EXISTS credit_ledger (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			amount NUMERIC(20,6) NOT NULL,
			pools JSONB NOT NULL,
			balance_before NUMERIC(20,6) NOT NULL,
			balance_after NUMERIC(20,6) NOT NULL,
			metadata JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS credit_ledger_account_created_idx
			ON credit_ledger (account_id, created_at);
		CREATE TABLE IF NOT EXISTS credit_idempotency (
			account_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			entry_id UUID NOT NULL REFERENCES credit_ledger (id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (account_id, idem_key)
		);
		CREATE TABLE IF NOT EXISTS credit_config (
			id INT PRIMARY KEY CHECK (id = 1),
			increment NUMERIC(10,4) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		INSERT INTO credit_config (id, increment) VALUES (1, 0.1)
			ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("credit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string) (credit.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool, amount, updated_at FROM credit_balances WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return credit.Balance{}, fmt.Errorf("credit/postgres: query balance: %w", err)
	}
	defer rows.Close()

	bal := credit.Balance{
		AccountID: accountID,
		Pools:     make(map[credit.Pool]decimal.Decimal),
		Total:     decimal.Zero,
	}
	for rows.Next() {
		var pool string
		var amount decimal.Decimal
		var updatedAt time.Time
		if err := rows.Scan(&pool, &amount, &updatedAt); err != nil {
			return credit.Balance{}, fmt.Errorf("credit/postgres: scan balance: %w", err)
		}
		bal.Pools[credit.Pool(pool)] = amount
		bal.Total = bal.Total.Add(amount)
		if updatedAt.After(bal.UpdatedAt) {
			bal.UpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return credit.Balance{}, fmt.Errorf("credit/postgres: iterate balance: %w", err)
	}
	return bal, nil
}

// querier is the query surface shared by pgxpool.Pool and pgx.Tx, so reads
// can run either standalone or inside a reconcile transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) ApplyDelta(ctx context.Context, d credit.Delta) (credit.ApplyResult, error) {
	var res credit.ApplyResult
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.applyOnce(ctx, d)
		return err
	})
	if err != nil {
		return credit.ApplyResult{}, err
	}
	return res, nil
}

// withRetry runs op until it succeeds or fails with a non-transient error.
// When the attempt budget runs out it surfaces ErrConflictExhausted, which
// the API maps to a retryable status.
func (s *Store) withRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", credit.ErrConflictExhausted, lastErr)
}

// retryable reports whether the error is a transient conflict: serialization
// failure, deadlock, or losing an idempotency-key insert race (the retry
// turns the latter into a replay).
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func (s *Store) applyOnce(ctx context.Context, d credit.Delta) (credit.ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return credit.ApplyResult{}, fmt.Errorf("credit/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.applyInTx(ctx, tx, d)
	if err != nil {
		return credit.ApplyResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return credit.ApplyResult{}, fmt.Errorf("credit/postgres: commit: %w", err)
	}
	return res, nil
}

// lockBalances creates the account's pool rows if missing and locks them for
// the rest of the transaction. The first delta creates the account.
func lockBalances(ctx context.Context, tx pgx.Tx, accountID string) (map[credit.Pool]decimal.Decimal, error) {
	for _, pool := range credit.DrawOrder {
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_balances (account_id, pool, amount) VALUES ($1, $2, 0)
				ON CONFLICT (account_id, pool) DO NOTHING`,
			accountID, string(pool),
		); err != nil {
			return nil, fmt.Errorf("credit/postgres: init balance row: %w", err)
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT pool, amount FROM credit_balances WHERE account_id = $1 FOR UPDATE`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("credit/postgres: lock balance: %w", err)
	}
	defer rows.Close()

	pools := make(map[credit.Pool]decimal.Decimal)
	for rows.Next() {
		var pool string
		var amount decimal.Decimal
		if err := rows.Scan(&pool, &amount); err != nil {
			return nil, fmt.Errorf("credit/postgres: scan locked balance: %w", err)
		}
		pools[credit.Pool(pool)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credit/postgres: iterate locked balance: %w", err)
	}
	return pools, nil
}

func (s *Store) applyInTx(ctx context.Context, tx pgx.Tx, d credit.Delta) (credit.ApplyResult, error) {
	// Idempotency: return the original committed result on replay.
	if d.IdempotencyKey != "" {
		res, found, err := s.findReplay(ctx, tx, d.AccountID, d.IdempotencyKey)
		if err != nil {
			return credit.ApplyResult{}, err
		}
		if found {
			return res, nil
		}
	}

	pools, err := lockBalances(ctx, tx, d.AccountID)
	if err != nil {
		return credit.ApplyResult{}, err
	}
	before := decimal.Zero
	for _, amount := range pools {
		before = before.Add(amount)
	}

	md := d.Metadata
	poolAmounts, err := credit.ResolvePoolChanges(pools, d, &md)
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

	now := time.Now().UTC()
	for _, pa := range poolAmounts {
		if _, err := tx.Exec(ctx,
			`UPDATE credit_balances SET amount = amount + $1, updated_at = $2
				WHERE account_id = $3 AND pool = $4`,
			pa.Amount, now, d.AccountID, string(pa.Pool),
		); err != nil {
			return credit.ApplyResult{}, fmt.Errorf("credit/postgres: update balance: %w", err)
		}
	}

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
		CreatedAt:     now,
	}
	poolsJSON, err := json.Marshal(entry.Pools)
	if err != nil {
		return credit.ApplyResult{}, fmt.Errorf("credit/postgres: marshal pools: %w", err)
	}
	mdJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return credit.ApplyResult{}, fmt.Errorf("credit/postgres: marshal metadata: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, account_id, kind, source, amount, pools, balance_before, balance_after, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.AccountID, string(entry.Kind), string(entry.Source),
		entry.Amount, poolsJSON, entry.BalanceBefore, entry.BalanceAfter, mdJSON, entry.CreatedAt,
	); err != nil {
		return credit.ApplyResult{}, fmt.Errorf("credit/postgres: append ledger entry: %w", err)
	}

	if d.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_idempotency (account_id, idem_key, entry_id) VALUES ($1, $2, $3)`,
			d.AccountID, d.IdempotencyKey, entry.ID,
		); err != nil {
			// A unique violation here means a concurrent duplicate won the
			// race; the retry loop re-runs and finds the replay.
			return credit.ApplyResult{}, fmt.Errorf("credit/postgres: record idempotency key: %w", err)
		}
	}

	return credit.ApplyResult{Entry: entry, NewBalance: after}, nil
}

func (s *Store) Reconcile(ctx context.Context, accountID string) (credit.ReconcileOutcome, error) {
	var out credit.ReconcileOutcome
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.reconcileOnce(ctx, accountID)
		return err
	})
	if err != nil {
		return credit.ReconcileOutcome{}, err
	}
	return out, nil
}

// reconcileOnce takes the account's row locks before summing the ledger, so
// the drift decision and the corrections see one committed state: a delta
// landing mid-reconcile would otherwise make a consistent account look
// drifted and get "corrected" into real drift.
func (s *Store) reconcileOnce(ctx context.Context, accountID string) (credit.ReconcileOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return credit.ReconcileOutcome{}, fmt.Errorf("credit/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	pools, err := lockBalances(ctx, tx, accountID)
	if err != nil {
		return credit.ReconcileOutcome{}, err
	}
	bal := credit.Balance{AccountID: accountID, Pools: pools, Total: decimal.Zero}
	for _, amount := range pools {
		bal.Total = bal.Total.Add(amount)
	}

	sums, err := s.sumEntriesWith(ctx, tx, accountID)
	if err != nil {
		return credit.ReconcileOutcome{}, err
	}

	out := credit.ReconcileOutcome{Balance: bal, Sums: sums}
	for _, d := range credit.CorrectionDeltas(accountID, bal, sums) {
		res, err := s.applyInTx(ctx, tx, d)
		if err != nil {
			return credit.ReconcileOutcome{}, err
		}
		out.Corrections = append(out.Corrections, res)
	}

	if err := tx.Commit(ctx); err != nil {
		return credit.ReconcileOutcome{}, fmt.Errorf("credit/postgres: commit: %w", err)
	}
	return out, nil
}

func (s *Store) findReplay(ctx context.Context, tx pgx.Tx, accountID, key string) (credit.ApplyResult, bool, error) {
	var entryID string
	err := tx.QueryRow(ctx,
		`SELECT entry_id FROM credit_idempotency WHERE account_id = $1 AND idem_key = $2`,
		accountID, key,
	).Scan(&entryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.ApplyResult{}, false, nil
	}
	if err != nil {
		return credit.ApplyResult{}, false, fmt.Errorf("credit/postgres: idempotency lookup: %w", err)
	}

	entry, err := scanEntry(tx.QueryRow(ctx, selectEntry+` WHERE id = $1`, entryID))
	if err != nil {
		return credit.ApplyResult{}, false, fmt.Errorf("credit/postgres: load replayed entry: %w", err)
	}
	return credit.ApplyResult{Entry: entry, NewBalance: entry.BalanceAfter, Replayed: true}, true, nil
}

const selectEntry = `SELECT id, account_id, kind, source, amount, pools, balance_before, balance_after, metadata, created_at FROM credit_ledger`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (credit.LedgerEntry, error) {
	var e credit.LedgerEntry
	var kind, source string
	var poolsJSON, mdJSON []byte
	err := row.Scan(&e.ID, &e.AccountID, &kind, &source, &e.Amount,
		&poolsJSON, &e.BalanceBefore, &e.BalanceAfter, &mdJSON, &e.CreatedAt)
	if err != nil {
		return credit.LedgerEntry{}, err
	}
	e.Kind = credit.EntryKind(kind)
	e.Source = credit.Source(source)
	if err := json.Unmarshal(poolsJSON, &e.Pools); err != nil {
		return credit.LedgerEntry{}, fmt.Errorf("unmarshal pools: %w", err)
	}
	if err := json.Unmarshal(mdJSON, &e.Metadata); err != nil {
		return credit.LedgerEntry{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return e, nil
}

func (s *Store) Entries(ctx context.Context, q credit.EntryQuery) ([]credit.LedgerEntry, error) {
	query := selectEntry + ` WHERE account_id = $1`
	args := []any{q.AccountID}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("credit/postgres: query entries: %w", err)
	}
	defer rows.Close()

	var out []credit.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("credit/postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credit/postgres: iterate entries: %w", err)
	}
	return out, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (credit.PoolSums, error) {
	return s.sumEntriesWith(ctx, s.pool, accountID)
}

// sumEntriesWith totals the account's non-reconciliation entries per pool,
// either against the pool or inside a reconcile transaction.
func (s *Store) sumEntriesWith(ctx context.Context, q querier, accountID string) (credit.PoolSums, error) {
	rows, err := q.Query(ctx,
		`SELECT p->>'pool', COALESCE(SUM((p->>'amount')::numeric), 0)
			FROM credit_ledger l, jsonb_array_elements(l.pools) p
			WHERE l.account_id = $1 AND l.source <> 'reconciliation'
			GROUP BY p->>'pool'`,
		accountID,
	)
	if err != nil {
		return credit.PoolSums{}, fmt.Errorf("credit/postgres: sum entries: %w", err)
	}
	defer rows.Close()

	sums := credit.PoolSums{Pools: make(map[credit.Pool]decimal.Decimal), Total: decimal.Zero}
	for rows.Next() {
		var pool string
		var amount decimal.Decimal
		if err := rows.Scan(&pool, &amount); err != nil {
			return credit.PoolSums{}, fmt.Errorf("credit/postgres: scan sums: %w", err)
		}
		sums.Pools[credit.Pool(pool)] = amount
		sums.Total = sums.Total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return credit.PoolSums{}, fmt.Errorf("credit/postgres: iterate sums: %w", err)
	}

	err = q.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE account_id = $1 AND source <> 'reconciliation'`,
		accountID,
	).Scan(&sums.Entries)
	if err != nil {
		return credit.PoolSums{}, fmt.Errorf("credit/postgres: count entries: %w", err)
	}
	return sums, nil
}

func (s *Store) ActiveAccounts(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT account_id FROM credit_ledger WHERE created_at >= $1 ORDER BY account_id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("credit/postgres: query active accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("credit/postgres: scan account id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credit/postgres: iterate active accounts: %w", err)
	}
	return out, nil
}

func (s *Store) LoadIncrement(ctx context.Context) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := s.pool.QueryRow(ctx, `SELECT increment FROM credit_config WHERE id = 1`).Scan(&v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit/postgres: load increment: %w", err)
	}
	return v, nil
}

func (s *Store) SaveIncrement(ctx context.Context, v decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_config (id, increment, updated_at) VALUES (1, $1, now())
			ON CONFLICT (id) DO UPDATE SET increment = EXCLUDED.increment, updated_at = now()`,
		v,
	)
	if err != nil {
		return fmt.Errorf("credit/postgres: save increment: %w", err)
	}
	return nil
}
