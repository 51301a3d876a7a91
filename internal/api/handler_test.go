package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rephlo/credit-ledger/internal/auth"
	"github.com/rephlo/credit-ledger/internal/credit"
	"github.com/rephlo/credit-ledger/internal/credit/memory"
	"github.com/rephlo/credit-ledger/pkg/ratelimit"
)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func setupTest(t *testing.T, limiterAllowed bool) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	cfg, err := credit.NewIncrementConfig(context.Background(), store)
	if err != nil {
		t.Fatalf("NewIncrementConfig: %v", err)
	}
	h := NewHandler(
		store,
		credit.NewDeductor(store, cfg, nil),
		credit.NewAllocator(store, nil),
		credit.NewReconciler(store, nil),
		cfg,
		ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed}),
		noop.NewTracerProvider().Tracer("test"),
		Policy{DefaultMarginMultiplier: dec("1.5")},
	)
	return h, store
}

func newRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func authedRequest(method, target string, body []byte, accountID, requestID string, admin bool) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := auth.WithAccountID(req.Context(), accountID)
	ctx = auth.WithRequestID(ctx, requestID)
	ctx = auth.WithAdmin(ctx, admin)
	return req.WithContext(ctx)
}

func grant(t *testing.T, store *memory.Store, accountID, amount string) {
	t.Helper()
	alloc := credit.NewAllocator(store, nil)
	if _, err := alloc.Grant(context.Background(), accountID, dec(amount), credit.SourceBonus, credit.GrantOptions{}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
}

func TestHandleDeduct(t *testing.T) {
	h, store := setupTest(t, true)
	r := newRouter(h)
	grant(t, store, "acct-1", "100")

	body, _ := json.Marshal(map[string]any{"vendor_cost": "0.000246"})
	req := authedRequest("POST", "/v1/credits/deduct", body, "acct-1", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res credit.DeductionResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.Charged.Equal(dec("0.1")) {
		t.Errorf("charged = %s, want 0.1", res.Charged)
	}
	if !res.NewBalance.Equal(dec("99.9")) {
		t.Errorf("new_balance = %s, want 99.9", res.NewBalance)
	}
}

func TestHandleDeductReplay(t *testing.T) {
	h, store := setupTest(t, true)
	r := newRouter(h)
	grant(t, store, "acct-1", "100")

	body, _ := json.Marshal(map[string]any{"vendor_cost": "0.000246"})
	for i := 0; i < 2; i++ {
		req := authedRequest("POST", "/v1/credits/deduct", body, "acct-1", "req-1", false)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, body %s", i, w.Code, w.Body.String())
		}
	}

	bal, err := store.GetBalance(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Total.Equal(dec("99.9")) {
		t.Errorf("balance = %s after replay, want 99.9", bal.Total)
	}
}

func TestHandleDeductInsufficient(t *testing.T) {
	h, _ := setupTest(t, true)
	r := newRouter(h)

	body, _ := json.Marshal(map[string]any{"vendor_cost": "0.01"})
	req := authedRequest("POST", "/v1/credits/deduct", body, "acct-1", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body %s", w.Code, w.Body.String())
	}
}

func TestHandleDeductRateLimited(t *testing.T) {
	h, store := setupTest(t, false)
	r := newRouter(h)
	grant(t, store, "acct-1", "100")

	body, _ := json.Marshal(map[string]any{"vendor_cost": "0.000246"})
	req := authedRequest("POST", "/v1/credits/deduct", body, "acct-1", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

// conflictStore stands in for a store whose conflict retries are exhausted:
// every mutation fails with the sentinel.
type conflictStore struct{ *memory.Store }

func (c *conflictStore) ApplyDelta(context.Context, credit.Delta) (credit.ApplyResult, error) {
	return credit.ApplyResult{}, credit.ErrConflictExhausted
}

func TestHandleDeductConflictExhausted(t *testing.T) {
	store := &conflictStore{memory.NewStore()}
	cfg, err := credit.NewIncrementConfig(context.Background(), store.Store)
	if err != nil {
		t.Fatalf("NewIncrementConfig: %v", err)
	}
	h := NewHandler(
		store,
		credit.NewDeductor(store, cfg, nil),
		credit.NewAllocator(store, nil),
		credit.NewReconciler(store, nil),
		cfg,
		ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true}),
		noop.NewTracerProvider().Tracer("test"),
		Policy{DefaultMarginMultiplier: dec("1.5")},
	)
	r := newRouter(h)

	// Contention maps to 503 so callers can tell "retry" from the 402 denial.
	body, _ := json.Marshal(map[string]any{"vendor_cost": "0.01"})
	req := authedRequest("POST", "/v1/credits/deduct", body, "acct-1", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body %s", w.Code, w.Body.String())
	}
}

func TestHandleEstimate(t *testing.T) {
	h, _ := setupTest(t, true)
	r := newRouter(h)

	body, _ := json.Marshal(map[string]any{"vendor_cost": "0.000246"})
	req := authedRequest("POST", "/v1/credits/estimate", body, "acct-1", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res struct {
		Estimate decimal.Decimal `json:"estimate"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.Estimate.Equal(dec("0.1")) {
		t.Errorf("estimate = %s, want 0.1", res.Estimate)
	}
}

func TestHandleGrantRequiresAdmin(t *testing.T) {
	h, _ := setupTest(t, true)
	r := newRouter(h)

	body, _ := json.Marshal(map[string]any{"account_id": "acct-1", "amount": "100", "source": "bonus"})

	req := authedRequest("POST", "/v1/admin/grant", body, "admin-acct", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", w.Code)
	}

	req = authedRequest("POST", "/v1/admin/grant", body, "admin-acct", "req-2", true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body %s", w.Code, w.Body.String())
	}
	var res credit.AllocationResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.NewBalance.Equal(dec("100")) {
		t.Errorf("new_balance = %s, want 100", res.NewBalance)
	}
}

func TestHandleGrantRejectsNonPositiveAmount(t *testing.T) {
	h, _ := setupTest(t, true)
	r := newRouter(h)

	for i, amount := range []string{"0", "-5"} {
		body, _ := json.Marshal(map[string]any{"account_id": "acct-1", "amount": amount, "source": "bonus"})
		req := authedRequest("POST", "/v1/admin/grant", body, "admin", fmt.Sprintf("req-%d", i), true)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %s: status = %d, want 400; body %s", amount, w.Code, w.Body.String())
		}
	}
}

func TestHandleBalanceAndLedger(t *testing.T) {
	h, store := setupTest(t, true)
	r := newRouter(h)
	grant(t, store, "acct-1", "100")

	req := authedRequest("GET", "/v1/credits/balance", nil, "acct-1", "req-1", false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("balance status = %d", w.Code)
	}
	var bal credit.Balance
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("unmarshal balance: %v", err)
	}
	if !bal.Total.Equal(dec("100")) {
		t.Errorf("total = %s, want 100", bal.Total)
	}

	req = authedRequest("GET", "/v1/credits/ledger?limit=10", nil, "acct-1", "req-2", false)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ledger status = %d", w.Code)
	}
	var ledger struct {
		Entries []credit.LedgerEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ledger); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if len(ledger.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(ledger.Entries))
	}
}

func TestHandleUpdateIncrement(t *testing.T) {
	h, store := setupTest(t, true)
	r := newRouter(h)
	grant(t, store, "acct-1", "100")

	// Invalid value is rejected.
	body, _ := json.Marshal(map[string]any{"increment": "0.25"})
	req := authedRequest("PUT", "/v1/admin/increment", body, "admin", "req-1", true)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid increment status = %d, want 400", w.Code)
	}

	// Valid update takes effect for subsequent charges.
	body, _ = json.Marshal(map[string]any{"increment": "1"})
	req = authedRequest("PUT", "/v1/admin/increment", body, "admin", "req-2", true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}

	dbody, _ := json.Marshal(map[string]any{"vendor_cost": "0.000246"})
	dreq := authedRequest("POST", "/v1/credits/deduct", dbody, "acct-1", "req-3", false)
	dw := httptest.NewRecorder()
	r.ServeHTTP(dw, dreq)
	var res credit.DeductionResult
	if err := json.Unmarshal(dw.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.Charged.Equal(dec("1")) {
		t.Errorf("charged = %s after coarse increment, want 1", res.Charged)
	}
}

func TestHandleReconcile(t *testing.T) {
	h, store := setupTest(t, true)
	r := newRouter(h)
	grant(t, store, "acct-1", "100")
	store.OverwriteBalance("acct-1", credit.PoolSubscription, dec("60"))

	req := authedRequest("POST", "/v1/admin/reconcile/acct-1", nil, "admin", "req-1", true)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var report credit.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !report.Drift.Equal(dec("40")) {
		t.Errorf("drift = %s, want 40", report.Drift)
	}

	bal, err := store.GetBalance(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Total.Equal(dec("100")) {
		t.Errorf("balance = %s after reconcile, want 100", bal.Total)
	}
}
