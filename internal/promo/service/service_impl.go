package service

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	"github.com/storelift/metering/internal/promo/domain"
	pkgdb "github.com/storelift/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Repo    domain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	prefix  string
	repo    domain.Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("promo.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		prefix:  strings.ToUpper(p.Config.PromoCodePrefix),
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// codeAlphabet avoids characters easy to confuse when read aloud or typed.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	codeSuffixLen        = 8
	maxGenerationRetries = 5
)

func (s *Service) Redeem(ctx context.Context, rawCode string) (*domain.Entitlement, error) {
	code := normalizeCode(rawCode)
	if code == "" {
		return nil, domain.ErrInvalidPromoCode
	}

	now := s.clock.Now().UTC()
	consumed, err := s.repo.ConsumeUse(ctx, s.db, code, now)
	if err != nil {
		return nil, err
	}
	if !consumed {
		err := s.classifyRejection(ctx, code)
		s.recordRedemption("rejected")
		return nil, err
	}

	promo, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if promo == nil {
		// The row vanished between the increment and the read; treat as
		// unknown rather than grant an entitlement we cannot describe.
		s.recordRedemption("rejected")
		return nil, domain.ErrNotFoundOrExpired
	}

	s.recordRedemption("ok")
	s.log.Info("promo redeemed",
		zap.String("code", code),
		zap.String("type", string(promo.Type)),
		zap.String("campaign", promo.Campaign),
		zap.Int64("current_uses", promo.CurrentUses),
		zap.Int64("max_uses", promo.MaxUses),
	)

	return &domain.Entitlement{
		Code:            promo.Code,
		Type:            promo.Type,
		TrialDays:       promo.TrialDays,
		DiscountPercent: promo.DiscountPercent,
		Plan:            promo.Plan,
		Campaign:        promo.Campaign,
	}, nil
}

func (s *Service) CheckValidity(ctx context.Context, rawCode string) (*domain.PromoCode, error) {
	code := normalizeCode(rawCode)
	if code == "" {
		return nil, domain.ErrInvalidPromoCode
	}

	promo, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	switch {
	case promo == nil, !promo.ExpiresAt.After(now):
		return nil, domain.ErrNotFoundOrExpired
	case promo.CurrentUses >= promo.MaxUses:
		return nil, domain.ErrMaxUsesReached
	}
	return promo, nil
}

func (s *Service) GenerateCodes(ctx context.Context, count int, opts domain.GenerateOptions) ([]string, error) {
	if count <= 0 || count > 10000 {
		return nil, domain.ErrInvalidPromoRequest
	}
	if !opts.Type.Valid() || opts.MaxUses <= 0 {
		return nil, domain.ErrInvalidPromoRequest
	}
	now := s.clock.Now().UTC()
	if !opts.ExpiresAt.After(now) {
		return nil, domain.ErrInvalidPromoRequest
	}
	if opts.Type == domain.PromoTypePlanGrant && strings.TrimSpace(opts.Plan) == "" {
		return nil, domain.ErrInvalidPromoRequest
	}

	codes := make([]string, 0, count)
	for len(codes) < count {
		code, err := s.insertFreshCode(ctx, opts, now)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}

	s.log.Info("promo codes generated",
		zap.Int("count", count),
		zap.String("type", string(opts.Type)),
		zap.String("campaign", opts.Campaign),
	)
	return codes, nil
}

// insertFreshCode retries on duplicate-key collisions so generated batches
// always contain count distinct codes.
func (s *Service) insertFreshCode(ctx context.Context, opts domain.GenerateOptions, now time.Time) (string, error) {
	for attempt := 0; attempt < maxGenerationRetries; attempt++ {
		code, err := s.randomCode()
		if err != nil {
			return "", err
		}
		promo := &domain.PromoCode{
			ID:              s.genID.Generate(),
			Code:            code,
			Type:            opts.Type,
			TrialDays:       opts.TrialDays,
			DiscountPercent: opts.DiscountPercent,
			Plan:            strings.ToLower(strings.TrimSpace(opts.Plan)),
			Campaign:        opts.Campaign,
			MaxUses:         opts.MaxUses,
			ExpiresAt:       opts.ExpiresAt.UTC(),
			CreatedAt:       now,
		}
		if err := s.repo.Insert(ctx, s.db, promo); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				continue
			}
			return "", err
		}
		return code, nil
	}
	return "", domain.ErrInvalidPromoRequest
}

func (s *Service) randomCode() (string, error) {
	buf := make([]byte, codeSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	suffix := make([]byte, codeSuffixLen)
	for i, b := range buf {
		suffix[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return s.prefix + "-" + string(suffix), nil
}

// classifyRejection reads the code to tell an exhausted cap apart from an
// unknown or expired code.
func (s *Service) classifyRejection(ctx context.Context, code string) error {
	promo, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if promo == nil || !promo.ExpiresAt.After(now) {
		return domain.ErrNotFoundOrExpired
	}
	return domain.ErrMaxUsesReached
}

func (s *Service) recordRedemption(result string) {
	if s.metrics != nil {
		s.metrics.RecordPromoRedemption(result)
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
