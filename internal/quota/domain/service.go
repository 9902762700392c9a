package domain

import (
	"context"
	"errors"
	"time"

	promodomain "github.com/storelift/metering/internal/promo/domain"
)

// Service is the quota gate. Trial shops pass the gate regardless of the
// plan limit; consumption is still counted so the limit applies the moment
// the trial ends.
type Service interface {
	GetOrCreate(ctx context.Context, shopDomain string) (*Subscription, error)
	// Check reports whether the shop may run another metered query, without
	// consuming anything.
	Check(ctx context.Context, shopDomain string) (*Status, error)
	// CheckProvider returns ErrProviderNotAllowed when the shop's plan does
	// not include the given AI provider.
	CheckProvider(ctx context.Context, shopDomain, provider string) (*Status, error)
	// Consume burns n queries from the shop's quota. A request key makes the
	// call idempotent: a retried key returns the current status without
	// consuming again.
	Consume(ctx context.Context, req ConsumeRequest) (*Status, error)
	ChangePlan(ctx context.Context, shopDomain, plan string) (*Subscription, error)
	// ExtendTrial pushes the trial window out by the given number of days,
	// anchored at the later of now and the current trial end.
	ExtendTrial(ctx context.Context, shopDomain string, days int) (*Subscription, error)
	// ApplyEntitlement applies a redeemed promo to the shop's subscription:
	// trial extensions and free periods extend the trial window, plan grants
	// switch the plan, discount tracking is bookkeeping only.
	ApplyEntitlement(ctx context.Context, shopDomain string, entitlement promodomain.Entitlement) (*Subscription, error)
}

type ConsumeRequest struct {
	ShopDomain string
	Count      int64
	// RequestKey is optional. When set, repeated calls with the same key
	// consume quota at most once.
	RequestKey string
}

// Status is a point-in-time view of a shop's quota.
type Status struct {
	ShopDomain       string    `json:"shop_domain"`
	Plan             string    `json:"plan"`
	QueryCount       int64     `json:"query_count"`
	QueryLimit       int64     `json:"query_limit"`
	Remaining        int64     `json:"remaining"`
	InTrial          bool      `json:"in_trial"`
	TrialEndsAt      time.Time `json:"trial_ends_at"`
	AllowedProviders []string  `json:"allowed_providers"`
	Allowed          bool      `json:"allowed"`
}

var (
	ErrQuotaExceeded       = errors.New("quota_exceeded")
	ErrProviderNotAllowed  = errors.New("provider_not_allowed")
	ErrUnknownPlan         = errors.New("unknown_plan")
	ErrInvalidConsumeCount = errors.New("invalid_consume_count")
	ErrInvalidProvider     = errors.New("invalid_provider")
)
