package domain

import (
	"context"
	"errors"
	"time"
)

// Service is the read surface of the ledger plus lazy account creation.
type Service interface {
	// GetOrCreate returns the shop's account, creating an empty one on first
	// access. Safe under concurrent first access.
	GetOrCreate(ctx context.Context, shopDomain string) (*Account, error)
	Get(ctx context.Context, shopDomain string) (*Account, error)
	HasSufficientBalance(ctx context.Context, shopDomain string, amount int64) (bool, error)
	History(ctx context.Context, shopDomain string, limit int) (*History, error)
}

// History is the ordered purchase and usage view of an account.
type History struct {
	Account   *Account     `json:"account"`
	Purchases []Purchase   `json:"purchases"`
	Usage     []UsageEntry `json:"usage"`
}

var (
	ErrInvalidShopDomain   = errors.New("invalid_shop_domain")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// Timestamps on ledger rows are stored in UTC truncated to microseconds so
// round-trips through postgres compare equal.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
