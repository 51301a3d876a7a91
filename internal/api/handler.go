// Package api exposes the credit engine over HTTP: charging, granting,
// balance and ledger reads, and the administrative increment/reconcile
// operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rephlo/credit-ledger/internal/auth"
	"github.com/rephlo/credit-ledger/internal/credit"
	"github.com/rephlo/credit-ledger/pkg/ratelimit"
)

// Policy carries the deployment-level billing decisions the engine refuses
// to default.
type Policy struct {
	DefaultMarginMultiplier decimal.Decimal
	AllowOverdraft          bool
}

type Handler struct {
	store     credit.Store
	deductor  *credit.Deductor
	allocator *credit.Allocator
	reconcile *credit.Reconciler
	increment *credit.IncrementConfig
	limiter   *ratelimit.Limiter
	tracer    trace.Tracer
	policy    Policy
}

func NewHandler(
	store credit.Store,
	deductor *credit.Deductor,
	allocator *credit.Allocator,
	reconciler *credit.Reconciler,
	increment *credit.IncrementConfig,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
	policy Policy,
) *Handler {
	return &Handler{
		store:     store,
		deductor:  deductor,
		allocator: allocator,
		reconcile: reconciler,
		increment: increment,
		limiter:   limiter,
		tracer:    tracer,
		policy:    policy,
	}
}

// Routes mounts the credit API onto r. The auth middleware must already be
// installed; admin routes additionally require an admin key.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/credits/deduct", h.HandleDeduct)
	r.Post("/v1/credits/estimate", h.HandleEstimate)
	r.Get("/v1/credits/balance", h.HandleBalance)
	r.Get("/v1/credits/ledger", h.HandleLedger)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/v1/admin/grant", h.HandleGrant)
		r.Post("/v1/admin/reconcile/{accountID}", h.HandleReconcile)
		r.Get("/v1/admin/increment", h.HandleGetIncrement)
		r.Put("/v1/admin/increment", h.HandleUpdateIncrement)
	})
}

type deductRequest struct {
	VendorCost       decimal.Decimal  `json:"vendor_cost"`
	MarginMultiplier *decimal.Decimal `json:"margin_multiplier,omitempty"`
}

func (h *Handler) HandleDeduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "credits.deduct")
	defer span.End()

	accountID := auth.GetAccountID(ctx)
	requestID := auth.GetRequestID(ctx)
	span.SetAttributes(attribute.String("credit.account_id", accountID))

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req deductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	margin := h.policy.DefaultMarginMultiplier
	if req.MarginMultiplier != nil {
		margin = *req.MarginMultiplier
	}

	res, err := h.deductor.Deduct(ctx, accountID, req.VendorCost, margin, requestID,
		credit.DeductOptions{AllowOverdraft: h.policy.AllowOverdraft})
	if err != nil {
		writeCreditError(w, err)
		return
	}

	span.SetAttributes(
		attribute.String("credit.charged", res.Charged.String()),
		attribute.Bool("credit.replayed", res.Replayed),
	)
	writeJSON(w, http.StatusOK, res)
}

type estimateRequest struct {
	VendorCost       decimal.Decimal  `json:"vendor_cost"`
	MarginMultiplier *decimal.Decimal `json:"margin_multiplier,omitempty"`
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	margin := h.policy.DefaultMarginMultiplier
	if req.MarginMultiplier != nil {
		margin = *req.MarginMultiplier
	}

	estimate, err := h.deductor.Estimate(req.VendorCost, margin)
	if err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"estimate":  estimate,
		"increment": h.increment.Current(),
	})
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	// Admin keys may inspect any account.
	if q := r.URL.Query().Get("account_id"); q != "" && auth.IsAdmin(ctx) {
		accountID = q
	}

	bal, err := h.store.GetBalance(ctx, accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) HandleLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	if q := r.URL.Query().Get("account_id"); q != "" && auth.IsAdmin(ctx) {
		accountID = q
	}

	q := credit.EntryQuery{AccountID: accountID, Limit: 100}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		q.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		q.To = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		q.Offset = n
	}

	entries, err := h.store.Entries(ctx, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"entries":    entries,
	})
}

type grantRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Source    credit.Source   `json:"source"`
	Pool      credit.Pool     `json:"pool,omitempty"`
	Period    string          `json:"period,omitempty"`
	Rollover  bool            `json:"rollover,omitempty"`
}

func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "credits.grant")
	defer span.End()

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Source == "" {
		req.Source = credit.SourceManual
	}
	span.SetAttributes(
		attribute.String("credit.account_id", req.AccountID),
		attribute.String("credit.source", string(req.Source)),
	)

	res, err := h.allocator.Grant(ctx, req.AccountID, req.Amount, req.Source, credit.GrantOptions{
		Pool:     req.Pool,
		Period:   req.Period,
		Rollover: req.Rollover,
	})
	if err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "credits.reconcile")
	defer span.End()

	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}
	span.SetAttributes(attribute.String("credit.account_id", accountID))

	report, err := h.reconcile.Reconcile(ctx, accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleGetIncrement(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"increment": h.increment.Current(),
		"loaded_at": h.increment.LoadedAt(),
	})
}

type incrementRequest struct {
	Increment decimal.Decimal `json:"increment"`
}

func (h *Handler) HandleUpdateIncrement(w http.ResponseWriter, r *http.Request) {
	var req incrementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.increment.Update(r.Context(), req.Increment); err != nil {
		writeCreditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"increment": h.increment.Current()})
}

// writeCreditError maps engine errors to HTTP statuses so callers can tell a
// denial (pay up) from a transient conflict (retry).
func writeCreditError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credit.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient credit balance")
	case errors.Is(err, credit.ErrConflictExhausted):
		writeError(w, http.StatusServiceUnavailable, "balance contention, retry")
	case errors.Is(err, credit.ErrInvalidIncrement):
		writeError(w, http.StatusBadRequest, "increment not in allowed set")
	case errors.Is(err, credit.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be positive")
	case errors.Is(err, credit.ErrNegativeCost):
		writeError(w, http.StatusBadRequest, "cost inputs must not be negative")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
