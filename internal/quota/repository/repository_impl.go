package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storelift/metering/internal/quota/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByShop(ctx context.Context, db *gorm.DB, shopDomain string) (*domain.Subscription, error) {
	var subscription domain.Subscription
	err := db.WithContext(ctx).
		Where("shop_domain = ?", shopDomain).
		Limit(1).
		Find(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// IncrementIfUnderLimit folds the limit check into the update so two
// concurrent consumers cannot both take the last slot.
func (r *repo) IncrementIfUnderLimit(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, n int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET query_count = query_count + ?, updated_at = ?
		 WHERE id = ? AND query_count + ? <= query_limit`,
		n, now, subscriptionID, n,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, n int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET query_count = query_count + ?, updated_at = ?
		 WHERE id = ?`,
		n, now, subscriptionID,
	).Error
}

func (r *repo) InsertConsumption(ctx context.Context, db *gorm.DB, consumption *domain.QuotaConsumption) error {
	return db.WithContext(ctx).Create(consumption).Error
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, plan string, queryLimit int64, providers datatypes.JSONSlice[string], now time.Time) error {
	return db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]any{
			"plan":              plan,
			"query_limit":       queryLimit,
			"allowed_providers": providers,
			"updated_at":        now,
		}).Error
}

func (r *repo) SetTrialEnd(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, trialEndsAt, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET trial_ends_at = ?, updated_at = ?
		 WHERE id = ?`,
		trialEndsAt, now, subscriptionID,
	).Error
}
