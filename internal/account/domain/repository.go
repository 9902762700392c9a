package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the ledger store. Callers control the transaction: every
// mutating method expects the db handle of the enclosing transaction so a
// balance change and its history entry commit or roll back together.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByShop(ctx context.Context, db *gorm.DB, shopDomain string) (*Account, error)
	// FindByShopForUpdate locks the account row where the dialect supports
	// row locks; on sqlite it degrades to a plain read.
	FindByShopForUpdate(ctx context.Context, db *gorm.DB, shopDomain string) (*Account, error)

	// DebitIfSufficient atomically decrements the balance, guarded by a
	// server-side balance check. Returns false when the balance is short.
	DebitIfSufficient(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) (bool, error)
	Credit(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) error
	AddToTotalUsed(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) error
	RecordPurchase(ctx context.Context, db *gorm.DB, purchase *Purchase, now time.Time) error

	InsertUsageEntry(ctx context.Context, db *gorm.DB, entry *UsageEntry) error
	// FindReservation returns the reserved entry for the reservation ID, or
	// nil when it does not exist or was already finalized.
	FindReservation(ctx context.Context, db *gorm.DB, shopDomain, reservationID string) (*UsageEntry, error)
	// MarkFinalized flips a reserved entry to finalized. Returns false when
	// the entry was not in the reserved state (already finalized or unknown),
	// which makes double-finalize a no-op.
	MarkFinalized(ctx context.Context, db *gorm.DB, entryID snowflake.ID, actualTokens, refundedAmount int64, now time.Time) (bool, error)

	ListPurchases(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]Purchase, error)
	ListUsageEntries(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]UsageEntry, error)

	// LockStaleReservations claims reserved entries older than the cutoff
	// with FOR UPDATE SKIP LOCKED semantics for the sweep.
	LockStaleReservations(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]UsageEntry, error)
}
