package repository

import (
	"context"
	"time"

	"github.com/storelift/metering/internal/promo/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, code *domain.PromoCode) error {
	return db.WithContext(ctx).Create(code).Error
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.PromoCode, error) {
	var promo domain.PromoCode
	err := db.WithContext(ctx).
		Where("code = ?", code).
		Limit(1).
		Find(&promo).Error
	if err != nil {
		return nil, err
	}
	if promo.ID == 0 {
		return nil, nil
	}
	return &promo, nil
}

// ConsumeUse folds the expiry and cap checks into the increment so the cap
// holds under concurrent redemptions.
func (r *repo) ConsumeUse(ctx context.Context, db *gorm.DB, code string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE promo_codes
		 SET current_uses = current_uses + 1
		 WHERE code = ? AND expires_at > ? AND current_uses < max_uses`,
		code, now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
