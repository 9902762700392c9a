package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository persists subscriptions. Mutating methods take the enclosing
// transaction handle, same as the ledger store.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByShop(ctx context.Context, db *gorm.DB, shopDomain string) (*Subscription, error)

	// IncrementIfUnderLimit bumps query_count by n, guarded server-side so
	// concurrent consumers cannot push the count past the limit. Returns
	// false when the subscription has no headroom for n more queries.
	IncrementIfUnderLimit(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, n int64, now time.Time) (bool, error)
	// Increment bumps query_count unconditionally; used while the trial
	// window is open.
	Increment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, n int64, now time.Time) error

	InsertConsumption(ctx context.Context, db *gorm.DB, consumption *QuotaConsumption) error

	UpdatePlan(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, plan string, queryLimit int64, providers datatypes.JSONSlice[string], now time.Time) error
	SetTrialEnd(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, trialEndsAt, now time.Time) error
}
