// Package domain holds the promo code redeemer: capped, expiring codes that
// grant entitlements such as trial extensions or plan grants.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PromoType classifies what a redeemed code grants.
type PromoType string

const (
	PromoTypeTrialExtension   PromoType = "trial_extension"
	PromoTypeFreePeriod       PromoType = "free_period"
	PromoTypePlanGrant        PromoType = "plan_grant"
	PromoTypeDiscountTracking PromoType = "discount_tracking"
)

func (t PromoType) Valid() bool {
	switch t {
	case PromoTypeTrialExtension, PromoTypeFreePeriod, PromoTypePlanGrant, PromoTypeDiscountTracking:
		return true
	}
	return false
}

// PromoCode is a redeemable code with a use cap and an expiry.
type PromoCode struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	Code            string       `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Type            PromoType    `gorm:"size:32;not null" json:"type"`
	TrialDays       int          `gorm:"not null;default:0" json:"trial_days"`
	DiscountPercent int          `gorm:"not null;default:0" json:"discount_percent"`
	Plan            string       `gorm:"size:64" json:"plan"`
	Campaign        string       `gorm:"size:128" json:"campaign"`
	MaxUses         int64        `gorm:"not null" json:"max_uses"`
	CurrentUses     int64        `gorm:"not null;default:0" json:"current_uses"`
	ExpiresAt       time.Time    `gorm:"not null" json:"expires_at"`
	CreatedAt       time.Time    `json:"created_at"`
}

func (PromoCode) TableName() string { return "promo_codes" }

// Entitlement is what a successful redemption grants the shop.
type Entitlement struct {
	Code            string    `json:"code"`
	Type            PromoType `json:"type"`
	TrialDays       int       `json:"trial_days,omitempty"`
	DiscountPercent int       `json:"discount_percent,omitempty"`
	Plan            string    `json:"plan,omitempty"`
	Campaign        string    `json:"campaign,omitempty"`
}
