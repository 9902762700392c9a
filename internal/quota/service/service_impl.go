package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	promodomain "github.com/storelift/metering/internal/promo/domain"
	"github.com/storelift/metering/internal/quota/domain"
	"github.com/storelift/metering/internal/shopctx"
	pkgdb "github.com/storelift/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Catalog *config.PlanCatalogHolder
	Repo    domain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	defaultPlan string
	catalog     *config.PlanCatalogHolder
	repo        domain.Repository
	metrics     *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("quota.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		defaultPlan: p.Config.DefaultPlan,
		catalog:     p.Catalog,
		repo:        p.Repo,
		metrics:     p.Metrics,
	}
}

// errReplayedKey marks a consume call whose request key was already
// recorded; the transaction rolls back and the call reports the current
// status without consuming.
var errReplayedKey = errors.New("replayed_request_key")

func (s *Service) GetOrCreate(ctx context.Context, shopDomain string) (*domain.Subscription, error) {
	shopDomain = shopctx.Normalize(shopDomain)
	if shopDomain == "" {
		return nil, errors.New("invalid_shop_domain")
	}

	subscription, err := s.repo.FindByShop(ctx, s.db, shopDomain)
	if err != nil {
		return nil, err
	}
	if subscription != nil {
		return subscription, nil
	}

	plan, ok := s.catalog.Current().Lookup(s.defaultPlan)
	if !ok {
		return nil, domain.ErrUnknownPlan
	}

	now := s.now()
	subscription = &domain.Subscription{
		ID:               s.genID.Generate(),
		ShopDomain:       shopDomain,
		Plan:             plan.Name,
		QueryLimit:       plan.QueryLimit,
		AllowedProviders: datatypes.NewJSONSlice(plan.AllowedProviders),
		TrialEndsAt:      now.AddDate(0, 0, plan.TrialDays),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, s.db, subscription); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.repo.FindByShop(ctx, s.db, shopDomain)
		}
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("shop", shopDomain),
		zap.String("plan", plan.Name),
		zap.Time("trial_ends_at", subscription.TrialEndsAt),
	)
	return subscription, nil
}

func (s *Service) Check(ctx context.Context, shopDomain string) (*domain.Status, error) {
	subscription, err := s.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return nil, err
	}
	return s.status(subscription), nil
}

func (s *Service) CheckProvider(ctx context.Context, shopDomain, provider string) (*domain.Status, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}

	subscription, err := s.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return nil, err
	}
	for _, allowed := range subscription.AllowedProviders {
		if strings.ToLower(allowed) == provider {
			return s.status(subscription), nil
		}
	}
	return nil, domain.ErrProviderNotAllowed
}

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (*domain.Status, error) {
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 {
		return nil, domain.ErrInvalidConsumeCount
	}

	subscription, err := s.GetOrCreate(ctx, req.ShopDomain)
	if err != nil {
		return nil, err
	}

	now := s.now()
	requestKey := strings.TrimSpace(req.RequestKey)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if requestKey != "" {
			consumption := &domain.QuotaConsumption{
				ID:             s.genID.Generate(),
				SubscriptionID: subscription.ID,
				ShopDomain:     subscription.ShopDomain,
				RequestKey:     requestKey,
				Count:          req.Count,
				CreatedAt:      now,
			}
			if err := s.repo.InsertConsumption(ctx, tx, consumption); err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return errReplayedKey
				}
				return err
			}
		}

		// Trial shops are never blocked, but the count still accrues so the
		// limit bites as soon as the trial ends.
		if subscription.InTrial(now) {
			return s.repo.Increment(ctx, tx, subscription.ID, req.Count, now)
		}

		ok, err := s.repo.IncrementIfUnderLimit(ctx, tx, subscription.ID, req.Count, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrQuotaExceeded
		}
		return nil
	})

	switch {
	case errors.Is(err, errReplayedKey):
		s.log.Info("quota consume replayed, not counted",
			zap.String("shop", subscription.ShopDomain),
			zap.String("request_key", requestKey),
		)
	case errors.Is(err, domain.ErrQuotaExceeded):
		if s.metrics != nil {
			s.metrics.RecordQuotaRejection()
		}
		return nil, domain.ErrQuotaExceeded
	case err != nil:
		return nil, err
	}

	refreshed, ferr := s.repo.FindByShop(ctx, s.db, subscription.ShopDomain)
	if ferr != nil {
		return nil, ferr
	}
	if refreshed == nil {
		refreshed = subscription
	}
	return s.status(refreshed), nil
}

func (s *Service) ChangePlan(ctx context.Context, shopDomain, planName string) (*domain.Subscription, error) {
	plan, ok := s.catalog.Current().Lookup(planName)
	if !ok {
		return nil, domain.ErrUnknownPlan
	}

	subscription, err := s.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return nil, err
	}

	now := s.now()
	providers := datatypes.NewJSONSlice(plan.AllowedProviders)
	if err := s.repo.UpdatePlan(ctx, s.db, subscription.ID, plan.Name, plan.QueryLimit, providers, now); err != nil {
		return nil, err
	}

	subscription.Plan = plan.Name
	subscription.QueryLimit = plan.QueryLimit
	subscription.AllowedProviders = providers
	subscription.UpdatedAt = now

	s.log.Info("plan changed",
		zap.String("shop", subscription.ShopDomain),
		zap.String("plan", plan.Name),
	)
	return subscription, nil
}

func (s *Service) ExtendTrial(ctx context.Context, shopDomain string, days int) (*domain.Subscription, error) {
	if days <= 0 {
		return nil, errors.New("invalid_trial_days")
	}

	subscription, err := s.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return nil, err
	}

	now := s.now()
	anchor := now
	if subscription.TrialEndsAt.After(anchor) {
		anchor = subscription.TrialEndsAt
	}
	trialEndsAt := anchor.AddDate(0, 0, days)

	if err := s.repo.SetTrialEnd(ctx, s.db, subscription.ID, trialEndsAt, now); err != nil {
		return nil, err
	}
	subscription.TrialEndsAt = trialEndsAt
	subscription.UpdatedAt = now

	s.log.Info("trial extended",
		zap.String("shop", subscription.ShopDomain),
		zap.Int("days", days),
		zap.Time("trial_ends_at", trialEndsAt),
	)
	return subscription, nil
}

func (s *Service) ApplyEntitlement(ctx context.Context, shopDomain string, entitlement promodomain.Entitlement) (*domain.Subscription, error) {
	switch entitlement.Type {
	case promodomain.PromoTypeTrialExtension, promodomain.PromoTypeFreePeriod:
		return s.ExtendTrial(ctx, shopDomain, entitlement.TrialDays)
	case promodomain.PromoTypePlanGrant:
		return s.ChangePlan(ctx, shopDomain, entitlement.Plan)
	case promodomain.PromoTypeDiscountTracking:
		// The discount applies at the payment processor; nothing changes on
		// the subscription itself.
		return s.GetOrCreate(ctx, shopDomain)
	default:
		return nil, promodomain.ErrInvalidPromoRequest
	}
}

func (s *Service) status(subscription *domain.Subscription) *domain.Status {
	now := s.now()
	inTrial := subscription.InTrial(now)
	return &domain.Status{
		ShopDomain:       subscription.ShopDomain,
		Plan:             subscription.Plan,
		QueryCount:       subscription.QueryCount,
		QueryLimit:       subscription.QueryLimit,
		Remaining:        subscription.Remaining(),
		InTrial:          inTrial,
		TrialEndsAt:      subscription.TrialEndsAt,
		AllowedProviders: subscription.AllowedProviders,
		Allowed:          inTrial || subscription.QueryCount < subscription.QueryLimit,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}
