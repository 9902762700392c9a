package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/storelift/metering/internal/account/domain"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/shopctx"
	pkgdb "github.com/storelift/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetOrCreate(ctx context.Context, shopDomain string) (*domain.Account, error) {
	shopDomain = shopctx.Normalize(shopDomain)
	if shopDomain == "" {
		return nil, domain.ErrInvalidShopDomain
	}

	account, err := s.repo.FindByShop(ctx, s.db, shopDomain)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	now := domain.NormalizeTime(s.clock.Now())
	account = &domain.Account{
		ID:         s.genID.Generate(),
		ShopDomain: shopDomain,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, account); err != nil {
		// Lost the first-access race: another worker created the row.
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.repo.FindByShop(ctx, s.db, shopDomain)
		}
		return nil, err
	}

	s.log.Info("account created", zap.String("shop", shopDomain))
	return account, nil
}

func (s *Service) Get(ctx context.Context, shopDomain string) (*domain.Account, error) {
	shopDomain = shopctx.Normalize(shopDomain)
	if shopDomain == "" {
		return nil, domain.ErrInvalidShopDomain
	}
	account, err := s.repo.FindByShop(ctx, s.db, shopDomain)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) HasSufficientBalance(ctx context.Context, shopDomain string, amount int64) (bool, error) {
	if amount < 0 {
		return false, domain.ErrInvalidAmount
	}
	account, err := s.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return false, err
	}
	return amount <= account.Balance, nil
}

func (s *Service) History(ctx context.Context, shopDomain string, limit int) (*domain.History, error) {
	account, err := s.Get(ctx, shopDomain)
	if err != nil {
		return nil, err
	}

	purchases, err := s.repo.ListPurchases(ctx, s.db, account.ID, limit)
	if err != nil {
		return nil, err
	}
	usage, err := s.repo.ListUsageEntries(ctx, s.db, account.ID, limit)
	if err != nil {
		return nil, err
	}

	return &domain.History{
		Account:   account,
		Purchases: purchases,
		Usage:     usage,
	}, nil
}
