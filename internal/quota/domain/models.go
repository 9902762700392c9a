// Package domain holds the quota gate: per-shop subscriptions with plan
// entitlements, trial windows, and idempotent consumption records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Subscription tracks a shop's plan entitlements and the running query count
// for the current billing window.
type Subscription struct {
	ID               snowflake.ID                 `gorm:"primaryKey" json:"id"`
	ShopDomain       string                       `gorm:"uniqueIndex;size:255;not null" json:"shop_domain"`
	Plan             string                       `gorm:"size:64;not null" json:"plan"`
	QueryCount       int64                        `gorm:"not null;default:0" json:"query_count"`
	QueryLimit       int64                        `gorm:"not null" json:"query_limit"`
	AllowedProviders datatypes.JSONSlice[string]  `gorm:"type:jsonb" json:"allowed_providers"`
	TrialEndsAt      time.Time                    `json:"trial_ends_at"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// InTrial reports whether the trial window is still open at the given time.
func (s *Subscription) InTrial(now time.Time) bool {
	return now.Before(s.TrialEndsAt)
}

// Remaining returns the queries left before the limit, never negative.
func (s *Subscription) Remaining() int64 {
	if s.QueryCount >= s.QueryLimit {
		return 0
	}
	return s.QueryLimit - s.QueryCount
}

// QuotaConsumption records one consume call keyed by the caller-supplied
// request key, so retried calls burn quota once.
type QuotaConsumption struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID `gorm:"index;not null" json:"subscription_id"`
	ShopDomain     string       `gorm:"uniqueIndex:idx_quota_consumptions_shop_key;size:255;not null" json:"shop_domain"`
	RequestKey     string       `gorm:"uniqueIndex:idx_quota_consumptions_shop_key;size:128;not null" json:"request_key"`
	Count          int64        `gorm:"not null" json:"count"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (QuotaConsumption) TableName() string { return "quota_consumptions" }
