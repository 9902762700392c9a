package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// Redeem consumes one use of the code and returns the entitlement it
	// grants. The cap is enforced server-side, so concurrent redemptions of
	// the last use yield exactly one winner.
	Redeem(ctx context.Context, code string) (*Entitlement, error)
	// CheckValidity is the read-only preflight: same classification as
	// Redeem without consuming a use.
	CheckValidity(ctx context.Context, code string) (*PromoCode, error)
	// GenerateCodes mints count random codes with the given attributes.
	// Collisions with existing codes are retried and never eat into count.
	GenerateCodes(ctx context.Context, count int, opts GenerateOptions) ([]string, error)
}

type GenerateOptions struct {
	Type            PromoType
	TrialDays       int
	DiscountPercent int
	Plan            string
	Campaign        string
	MaxUses         int64
	ExpiresAt       time.Time
}

var (
	ErrNotFoundOrExpired   = errors.New("promo_not_found_or_expired")
	ErrMaxUsesReached      = errors.New("promo_max_uses_reached")
	ErrInvalidPromoCode    = errors.New("invalid_promo_code")
	ErrInvalidPromoRequest = errors.New("invalid_promo_request")
)
