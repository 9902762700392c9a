package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	promodomain "github.com/storelift/metering/internal/promo/domain"
	"github.com/storelift/metering/internal/quota/domain"
	quotarepository "github.com/storelift/metering/internal/quota/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.Subscription{},
		&domain.QuotaConsumption{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	holder, err := config.NewPlanCatalogHolder(zap.NewNop())
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fakeClock,
		Config:  config.Config{DefaultPlan: "free"},
		Catalog: holder,
		Repo:    quotarepository.Provide(),
	})
	return svc, fakeClock
}

func TestGetOrCreateDefaultsToFreePlan(t *testing.T) {
	svc, fakeClock := newTestService(t)
	ctx := context.Background()

	subscription, err := svc.GetOrCreate(ctx, "Demo.MyShopify.com")
	require.NoError(t, err)
	assert.Equal(t, "demo.myshopify.com", subscription.ShopDomain)
	assert.Equal(t, "free", subscription.Plan)
	assert.Equal(t, int64(10), subscription.QueryLimit)
	assert.True(t, subscription.InTrial(fakeClock.Now()))

	again, err := svc.GetOrCreate(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, subscription.ID, again.ID)
}

func TestTrialBypassesQueryLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Free plan allows 10 queries; trial shops can exceed that.
	for i := 0; i < 15; i++ {
		status, err := svc.Consume(ctx, domain.ConsumeRequest{ShopDomain: "demo.myshopify.com"})
		require.NoError(t, err)
		assert.True(t, status.InTrial)
	}

	status, err := svc.Check(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, int64(15), status.QueryCount)
	assert.True(t, status.Allowed)
}

func TestLimitBitesAfterTrialEnds(t *testing.T) {
	svc, fakeClock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.Consume(ctx, domain.ConsumeRequest{ShopDomain: "demo.myshopify.com"})
		require.NoError(t, err)
	}

	fakeClock.Advance(8 * 24 * time.Hour)

	_, err := svc.Consume(ctx, domain.ConsumeRequest{ShopDomain: "demo.myshopify.com"})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	status, err := svc.Check(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	assert.False(t, status.InTrial)
	assert.False(t, status.Allowed)
	assert.Equal(t, int64(0), status.Remaining)
}

func TestConsumeWithRequestKeyIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Consume(ctx, domain.ConsumeRequest{
		ShopDomain: "demo.myshopify.com",
		RequestKey: "req-42",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.QueryCount)

	replay, err := svc.Consume(ctx, domain.ConsumeRequest{
		ShopDomain: "demo.myshopify.com",
		RequestKey: "req-42",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), replay.QueryCount)

	fresh, err := svc.Consume(ctx, domain.ConsumeRequest{
		ShopDomain: "demo.myshopify.com",
		RequestKey: "req-43",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.QueryCount)
}

func TestCheckProviderAgainstPlanAllowlist(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	status, err := svc.CheckProvider(ctx, "demo.myshopify.com", "OpenAI")
	require.NoError(t, err)
	assert.Contains(t, status.AllowedProviders, "openai")

	_, err = svc.CheckProvider(ctx, "demo.myshopify.com", "anthropic")
	require.ErrorIs(t, err, domain.ErrProviderNotAllowed)

	_, err = svc.CheckProvider(ctx, "demo.myshopify.com", " ")
	require.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestChangePlanRederivesEntitlements(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	subscription, err := svc.ChangePlan(ctx, "demo.myshopify.com", "growth")
	require.NoError(t, err)
	assert.Equal(t, "growth", subscription.Plan)
	assert.Equal(t, int64(1000), subscription.QueryLimit)
	assert.Contains(t, []string(subscription.AllowedProviders), "gemini")

	_, err = svc.ChangePlan(ctx, "demo.myshopify.com", "nonexistent")
	require.ErrorIs(t, err, domain.ErrUnknownPlan)
}

func TestApplyEntitlement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	subscription, err := svc.GetOrCreate(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	originalTrialEnd := subscription.TrialEndsAt

	extended, err := svc.ApplyEntitlement(ctx, "demo.myshopify.com", promodomain.Entitlement{
		Type:      promodomain.PromoTypeTrialExtension,
		TrialDays: 14,
	})
	require.NoError(t, err)
	assert.True(t, extended.TrialEndsAt.Equal(originalTrialEnd.AddDate(0, 0, 14)))

	granted, err := svc.ApplyEntitlement(ctx, "demo.myshopify.com", promodomain.Entitlement{
		Type: promodomain.PromoTypePlanGrant,
		Plan: "starter",
	})
	require.NoError(t, err)
	assert.Equal(t, "starter", granted.Plan)
	assert.Equal(t, int64(100), granted.QueryLimit)

	tracked, err := svc.ApplyEntitlement(ctx, "demo.myshopify.com", promodomain.Entitlement{
		Type:            promodomain.PromoTypeDiscountTracking,
		DiscountPercent: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, "starter", tracked.Plan)
}

func TestExtendTrialAnchorsAtLaterOfNowAndTrialEnd(t *testing.T) {
	svc, fakeClock := newTestService(t)
	ctx := context.Background()

	subscription, err := svc.GetOrCreate(ctx, "demo.myshopify.com")
	require.NoError(t, err)

	// Trial already expired: the extension anchors at now.
	fakeClock.Advance(30 * 24 * time.Hour)
	extended, err := svc.ExtendTrial(ctx, "demo.myshopify.com", 7)
	require.NoError(t, err)
	assert.True(t, extended.TrialEndsAt.After(subscription.TrialEndsAt))
	assert.True(t, extended.InTrial(fakeClock.Now()))
}
