package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storelift/metering/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Create(account).Error
}

func (r *repo) FindByShop(ctx context.Context, db *gorm.DB, shopDomain string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).
		Where("shop_domain = ?", shopDomain).
		Limit(1).
		Find(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByShopForUpdate(ctx context.Context, db *gorm.DB, shopDomain string) (*domain.Account, error) {
	stmt := db.WithContext(ctx).Where("shop_domain = ?", shopDomain).Limit(1)
	if supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account domain.Account
	if err := stmt.Find(&account).Error; err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

// DebitIfSufficient expresses the balance check and the decrement in one
// server-side statement so concurrent debits can never drive the balance
// negative.
func (r *repo) DebitIfSufficient(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET balance = balance - ?, updated_at = ?
		 WHERE id = ? AND balance >= ?`,
		amount, now, accountID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET balance = balance + ?, updated_at = ?
		 WHERE id = ?`,
		amount, now, accountID,
	).Error
}

func (r *repo) AddToTotalUsed(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET total_used = total_used + ?, updated_at = ?
		 WHERE id = ?`,
		amount, now, accountID,
	).Error
}

func (r *repo) RecordPurchase(ctx context.Context, db *gorm.DB, purchase *domain.Purchase, now time.Time) error {
	if err := db.WithContext(ctx).Create(purchase).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET balance = balance + ?,
		     total_purchased = total_purchased + ?,
		     last_purchase_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		purchase.TokensReceived, purchase.TokensReceived, now, now, purchase.AccountID,
	).Error
}

func (r *repo) InsertUsageEntry(ctx context.Context, db *gorm.DB, entry *domain.UsageEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) FindReservation(ctx context.Context, db *gorm.DB, shopDomain, reservationID string) (*domain.UsageEntry, error) {
	stmt := db.WithContext(ctx).
		Where("shop_domain = ? AND reservation_id = ? AND status = ?",
			shopDomain, reservationID, domain.UsageStatusReserved).
		Limit(1)
	if supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var entry domain.UsageEntry
	if err := stmt.Find(&entry).Error; err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) MarkFinalized(ctx context.Context, db *gorm.DB, entryID snowflake.ID, actualTokens, refundedAmount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_entries
		 SET status = ?,
		     tokens_used = ?,
		     actual_tokens = ?,
		     refunded_amount = ?,
		     finalized_at = ?
		 WHERE id = ? AND status = ?`,
		domain.UsageStatusFinalized,
		actualTokens,
		actualTokens,
		refundedAmount,
		now,
		entryID,
		domain.UsageStatusReserved,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListPurchases(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]domain.Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	var purchases []domain.Purchase
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&purchases).Error
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

func (r *repo) ListUsageEntries(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]domain.UsageEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []domain.UsageEntry
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) LockStaleReservations(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.UsageEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.UsageStatusReserved, cutoff).
		Order("created_at asc").
		Limit(limit)
	if supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var entries []domain.UsageEntry
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// sqlite has no SELECT ... FOR UPDATE; its single-writer model covers the
// tests that run on it.
func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector.Name() != "sqlite"
}
