package credit

import "errors"

var (
	// ErrInsufficientBalance is returned when a deduction would take the
	// account total below zero and overdraft is disallowed.
	ErrInsufficientBalance = errors.New("credit: insufficient balance")

	// ErrConflictExhausted is returned when the store's bounded retry budget
	// for write-write conflicts is exceeded. Safe for the caller to retry.
	ErrConflictExhausted = errors.New("credit: transaction conflict retries exhausted")

	// ErrInvalidIncrement rejects an increment value outside AllowedIncrements.
	ErrInvalidIncrement = errors.New("credit: increment not in allowed set")

	// ErrInvalidAmount rejects a non-positive grant amount.
	ErrInvalidAmount = errors.New("credit: amount must be positive")

	// ErrNegativeCost flags a negative cost or margin input. This is a caller
	// bug, never retried and never clamped.
	ErrNegativeCost = errors.New("credit: negative cost input")
)
