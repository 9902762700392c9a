package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/storelift/metering/internal/account/domain"
	"github.com/storelift/metering/internal/account/repository"
	"github.com/storelift/metering/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, domain.Repository, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.Account{},
		&domain.Purchase{},
		&domain.UsageEntry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Repo:  repo,
	})
	return svc, repo, db, fakeClock
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "Demo.MyShopify.com")
	require.NoError(t, err)
	assert.Equal(t, "demo.myshopify.com", first.ShopDomain)
	assert.Equal(t, int64(0), first.Balance)

	second, err := svc.GetOrCreate(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetUnknownShopFails(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "ghost.myshopify.com")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = svc.Get(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidShopDomain)
}

func TestHasSufficientBalance(t *testing.T) {
	svc, repo, db, fakeClock := newTestService(t)
	ctx := context.Background()

	account, err := svc.GetOrCreate(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	require.NoError(t, repo.Credit(ctx, db, account.ID, 50, fakeClock.Now()))

	ok, err := svc.HasSufficientBalance(ctx, "demo.myshopify.com", 50)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasSufficientBalance(ctx, "demo.myshopify.com", 51)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.HasSufficientBalance(ctx, "demo.myshopify.com", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestHistoryReturnsRecentActivity(t *testing.T) {
	svc, repo, db, fakeClock := newTestService(t)
	ctx := context.Background()

	account, err := svc.GetOrCreate(ctx, "demo.myshopify.com")
	require.NoError(t, err)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	now := fakeClock.Now()
	require.NoError(t, repo.RecordPurchase(ctx, db, &domain.Purchase{
		ID:               node.Generate(),
		AccountID:        account.ID,
		ShopDomain:       account.ShopDomain,
		TokensReceived:   1000,
		ExternalChargeID: "ch_test_1",
		Status:           domain.PurchaseStatusCompleted,
		CreatedAt:        now,
	}, now))
	require.NoError(t, repo.InsertUsageEntry(ctx, db, &domain.UsageEntry{
		ID:         node.Generate(),
		AccountID:  account.ID,
		ShopDomain: account.ShopDomain,
		Feature:    "seo_report",
		TokensUsed: 120,
		Status:     domain.UsageStatusFinalized,
		CreatedAt:  now,
	}))

	history, err := svc.History(ctx, "demo.myshopify.com", 10)
	require.NoError(t, err)
	require.Len(t, history.Purchases, 1)
	require.Len(t, history.Usage, 1)
	assert.Equal(t, int64(1000), history.Account.Balance)
	assert.Equal(t, "seo_report", history.Usage[0].Feature)
}
