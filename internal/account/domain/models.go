// Package domain contains persistence models for the per-shop token ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PurchaseStatus represents lifecycle states for a token purchase.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
	PurchaseStatusRefunded  PurchaseStatus = "refunded"
)

// UsageStatus represents the reservation lifecycle of a usage entry.
// Entries written by the immediate-debit path are born finalized.
type UsageStatus string

const (
	UsageStatusReserved  UsageStatus = "reserved"
	UsageStatusFinalized UsageStatus = "finalized"
)

// Account is the per-shop token balance and history head.
//
// Balance never goes below zero at a committed state: every debit is a
// conditional update guarded by the current balance, and reservations hold
// tokens until finalize reconciles them.
type Account struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	ShopDomain     string       `gorm:"type:text;not null;uniqueIndex"`
	Balance        int64        `gorm:"not null;default:0"`
	TotalPurchased int64        `gorm:"not null;default:0"`
	TotalUsed      int64        `gorm:"not null;default:0"`
	LastPurchaseAt *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Purchase is an append-only record of a confirmed token purchase.
// AppRevenueShare and TokenBudgetShare split the USD amount for reporting
// only; the ledger itself deals in tokens.
type Purchase struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	AccountID        snowflake.ID    `gorm:"not null;index"`
	ShopDomain       string          `gorm:"type:text;not null;index"`
	USDAmount        decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	AppRevenueShare  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TokenBudgetShare decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TokensReceived   int64           `gorm:"not null"`
	ExternalChargeID string          `gorm:"type:text;not null;uniqueIndex"`
	Status           PurchaseStatus  `gorm:"type:text;not null"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Purchase) TableName() string { return "purchases" }

// UsageEntry is an append-only usage record. Entries created by a
// reservation carry the reservation lifecycle fields and transition
// reserved -> finalized exactly once.
type UsageEntry struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	AccountID       snowflake.ID      `gorm:"not null;index"`
	ShopDomain      string            `gorm:"type:text;not null;index"`
	Feature         string            `gorm:"type:text;not null"`
	TokensUsed      int64             `gorm:"not null"`
	RelatedEntityID string            `gorm:"type:text"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	ReservationID   *string           `gorm:"type:text;uniqueIndex"`
	Status          UsageStatus       `gorm:"type:text;not null;index"`
	EstimatedAmount int64             `gorm:"not null;default:0"`
	ActualTokens    *int64            `gorm:""`
	RefundedAmount  *int64            `gorm:""`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	FinalizedAt     *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (UsageEntry) TableName() string { return "usage_entries" }
