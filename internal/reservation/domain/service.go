// Package domain defines the reservation manager: pessimistic token holds
// opened before a variable-cost AI call and reconciled once the true cost
// is known.
package domain

import (
	"context"
	"errors"
	"time"
)

// Service opens, reconciles and sweeps token reservations, and carries the
// immediate-debit path for callers that already know the exact cost.
type Service interface {
	// Reserve places a hold for the caller's estimate plus the configured
	// safety margin. The hold is debited up front so concurrent operations
	// cannot race past the reduced balance.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	// Finalize reconciles the hold against the actual token usage: unused
	// margin is refunded, overage is deducted (capped at a zero balance).
	// Finalizing an unknown or already-finalized reservation is a logged
	// no-op so the caller's primary operation is never blocked.
	Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error)
	// Cancel releases a hold in full; equivalent to finalizing with zero
	// actual usage.
	Cancel(ctx context.Context, shopDomain, reservationID string) (*FinalizeResult, error)
	// Deduct debits a known exact cost without the estimate/reconcile cycle.
	Deduct(ctx context.Context, req DeductRequest) error
	// SweepStale finalizes-as-zero reservations older than the cutoff,
	// releasing balance held by operations that never completed.
	SweepStale(ctx context.Context, cutoff time.Time, limit int) (*SweepResult, error)
}

type ReserveRequest struct {
	ShopDomain      string
	EstimatedTokens int64
	Feature         string
	RelatedEntityID string
	Metadata        map[string]any
}

// Reservation describes an open hold. HoldTokens is the debited amount:
// the caller estimate plus margin.
type Reservation struct {
	ID         string    `json:"reservation_id"`
	HoldTokens int64     `json:"hold_tokens"`
	Balance    int64     `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
}

type FinalizeRequest struct {
	ShopDomain    string
	ReservationID string
	ActualTokens  int64
}

// FinalizeResult reports how the hold was settled. Applied is false when
// the reservation was unknown or already finalized and nothing changed.
type FinalizeResult struct {
	Applied        bool  `json:"applied"`
	ActualTokens   int64 `json:"actual_tokens"`
	RefundedTokens int64 `json:"refunded_tokens"`
	ExtraDeducted  int64 `json:"extra_deducted"`
	// CappedDeduction flags that the overage exceeded the remaining balance
	// and was capped to keep the balance at zero; reconciliation should
	// review the account.
	CappedDeduction bool `json:"capped_deduction"`
}

type DeductRequest struct {
	ShopDomain      string
	Tokens          int64
	Feature         string
	RelatedEntityID string
	Metadata        map[string]any
}

type SweepResult struct {
	Released       int   `json:"released"`
	RefundedTokens int64 `json:"refunded_tokens"`
}

var (
	ErrInvalidEstimate      = errors.New("invalid_estimate")
	ErrInvalidActualTokens  = errors.New("invalid_actual_tokens")
	ErrInvalidReservationID = errors.New("invalid_reservation_id")
	ErrInvalidFeature       = errors.New("invalid_feature")
	// ErrReservationNotFound is surfaced by lookups only; Finalize treats a
	// missing reservation as a recoverable no-op.
	ErrReservationNotFound = errors.New("reservation_not_found")
)
