package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/storelift/metering/internal/account/domain"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	"github.com/storelift/metering/internal/purchase/domain"
	"github.com/storelift/metering/internal/shopctx"
	pkgdb "github.com/storelift/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	AccountSvc accountdomain.Service
	Ledger     accountdomain.Repository
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	appShareRate    decimal.Decimal
	tokenBudgetRate decimal.Decimal
	accountSvc      accountdomain.Service
	ledger          accountdomain.Repository
	metrics         *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("purchase.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		appShareRate:    p.Config.AppShareRate,
		tokenBudgetRate: p.Config.TokenBudgetRate,
		accountSvc:      p.AccountSvc,
		ledger:          p.Ledger,
		metrics:         p.Metrics,
	}
}

func (s *Service) Record(ctx context.Context, req domain.RecordRequest) (*accountdomain.Purchase, error) {
	shopDomain := shopctx.Normalize(req.ShopDomain)
	if shopDomain == "" {
		return nil, accountdomain.ErrInvalidShopDomain
	}
	if req.TokensReceived <= 0 {
		return nil, domain.ErrInvalidTokens
	}
	if req.USDAmount.IsNegative() {
		return nil, domain.ErrInvalidUSD
	}
	chargeID := strings.TrimSpace(req.ExternalChargeID)
	if chargeID == "" {
		return nil, domain.ErrInvalidChargeID
	}

	account, err := s.accountSvc.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return nil, err
	}

	now := accountdomain.NormalizeTime(s.clock.Now())
	purchase := &accountdomain.Purchase{
		ID:               s.genID.Generate(),
		AccountID:        account.ID,
		ShopDomain:       shopDomain,
		USDAmount:        req.USDAmount,
		AppRevenueShare:  req.USDAmount.Mul(s.appShareRate).Round(2),
		TokenBudgetShare: req.USDAmount.Mul(s.tokenBudgetRate).Round(2),
		TokensReceived:   req.TokensReceived,
		ExternalChargeID: chargeID,
		Status:           accountdomain.PurchaseStatusCompleted,
		CreatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ledger.RecordPurchase(ctx, tx, purchase, now)
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateCharge
		}
		if s.metrics != nil {
			s.metrics.RecordLedgerOp("purchase", "error")
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordLedgerOp("purchase", "ok")
	}

	s.log.Info("purchase recorded",
		zap.String("shop", shopDomain),
		zap.String("external_charge_id", chargeID),
		zap.Int64("tokens_received", req.TokensReceived),
		zap.String("usd_amount", req.USDAmount.StringFixed(2)),
	)
	return purchase, nil
}
