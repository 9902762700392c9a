package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, code *PromoCode) error
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*PromoCode, error)

	// ConsumeUse increments current_uses, guarded server-side on both the
	// expiry and the use cap. Returns false when no row qualified; the
	// caller classifies why.
	ConsumeUse(ctx context.Context, db *gorm.DB, code string, now time.Time) (bool, error)
}
