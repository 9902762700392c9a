// Package domain defines the purchase recorder: crediting confirmed token
// purchases to the ledger. Payment processing itself happens upstream; this
// module only books the confirmed result.
package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	accountdomain "github.com/storelift/metering/internal/account/domain"
)

type Service interface {
	// Record books a confirmed purchase: credits the balance and lifetime
	// total, appends the purchase row with the configured revenue split, and
	// stamps the last-purchase snapshot. Duplicate external charge IDs are
	// rejected so a replayed payment webhook cannot double-credit.
	Record(ctx context.Context, req RecordRequest) (*accountdomain.Purchase, error)
}

type RecordRequest struct {
	ShopDomain       string
	USDAmount        decimal.Decimal
	TokensReceived   int64
	ExternalChargeID string
}

var (
	ErrInvalidTokens   = errors.New("invalid_tokens_received")
	ErrInvalidUSD      = errors.New("invalid_usd_amount")
	ErrInvalidChargeID = errors.New("invalid_external_charge_id")
	ErrDuplicateCharge = errors.New("duplicate_external_charge")
)
