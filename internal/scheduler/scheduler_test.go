package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/storelift/metering/internal/account/domain"
	accountrepository "github.com/storelift/metering/internal/account/repository"
	accountservice "github.com/storelift/metering/internal/account/service"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	reservationdomain "github.com/storelift/metering/internal/reservation/domain"
	reservationservice "github.com/storelift/metering/internal/reservation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sweepFixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	repo       accountdomain.Repository
	accountSvc accountdomain.Service
	ledger     reservationdomain.Service
	scheduler  *Scheduler
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.Purchase{},
		&accountdomain.UsageEntry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	repo := accountrepository.Provide()
	accountSvc := accountservice.NewService(accountservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Repo:  repo,
	})
	ledger := reservationservice.NewService(reservationservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fakeClock,
		Config:     config.Config{ReserveMarginPercent: 0},
		AccountSvc: accountSvc,
		Ledger:     repo,
	})

	sched, err := New(Params{
		Log:            zap.NewNop(),
		Clock:          fakeClock,
		ReservationSvc: ledger,
		Config:         Config{ReservationTTL: 30 * time.Minute},
	})
	require.NoError(t, err)

	return &sweepFixture{
		db:         db,
		clock:      fakeClock,
		repo:       repo,
		accountSvc: accountSvc,
		ledger:     ledger,
		scheduler:  sched,
	}
}

func (f *sweepFixture) fund(t *testing.T, shop string, tokens int64) {
	t.Helper()
	account, err := f.accountSvc.GetOrCreate(context.Background(), shop)
	require.NoError(t, err)
	require.NoError(t, f.repo.Credit(context.Background(), f.db, account.ID, tokens, f.clock.Now()))
}

func (f *sweepFixture) balance(t *testing.T, shop string) int64 {
	t.Helper()
	account, err := f.accountSvc.Get(context.Background(), shop)
	require.NoError(t, err)
	return account.Balance
}

func TestRunOnceReleasesStaleHolds(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	f.fund(t, "demo.myshopify.com", 100)
	_, err := f.ledger.Reserve(ctx, reservationdomain.ReserveRequest{
		ShopDomain:      "demo.myshopify.com",
		EstimatedTokens: 60,
		Feature:         "seo_audit",
	})
	require.NoError(t, err)
	require.Equal(t, int64(40), f.balance(t, "demo.myshopify.com"))

	f.clock.Advance(31 * time.Minute)
	require.NoError(t, f.scheduler.RunOnce(ctx))

	assert.Equal(t, int64(100), f.balance(t, "demo.myshopify.com"))
}

func TestRunOnceLeavesFreshHoldsAlone(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	f.fund(t, "demo.myshopify.com", 100)
	stale, err := f.ledger.Reserve(ctx, reservationdomain.ReserveRequest{
		ShopDomain:      "demo.myshopify.com",
		EstimatedTokens: 30,
		Feature:         "seo_audit",
	})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	fresh, err := f.ledger.Reserve(ctx, reservationdomain.ReserveRequest{
		ShopDomain:      "demo.myshopify.com",
		EstimatedTokens: 20,
		Feature:         "keyword_research",
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), f.balance(t, "demo.myshopify.com"))

	require.NoError(t, f.scheduler.RunOnce(ctx))

	// Only the expired hold is refunded.
	assert.Equal(t, int64(80), f.balance(t, "demo.myshopify.com"))

	// The stale hold is settled, so finalizing it later changes nothing.
	result, err := f.ledger.Finalize(ctx, reservationdomain.FinalizeRequest{
		ShopDomain:    "demo.myshopify.com",
		ReservationID: stale.ID,
		ActualTokens:  30,
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)

	// The fresh hold still finalizes normally.
	result, err = f.ledger.Finalize(ctx, reservationdomain.FinalizeRequest{
		ShopDomain:    "demo.myshopify.com",
		ReservationID: fresh.ID,
		ActualTokens:  15,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(5), result.RefundedTokens)
	assert.Equal(t, int64(85), f.balance(t, "demo.myshopify.com"))
}

func TestRunOnceIsHarmlessWithNothingToSweep(t *testing.T) {
	f := newSweepFixture(t)
	require.NoError(t, f.scheduler.RunOnce(context.Background()))
}
