package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	accountdomain "github.com/storelift/metering/internal/account/domain"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	"github.com/storelift/metering/internal/reservation/domain"
	"github.com/storelift/metering/internal/shopctx"
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
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	marginPct  int64
	accountSvc accountdomain.Service
	ledger     accountdomain.Repository
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	margin := int64(p.Config.ReserveMarginPercent)
	if margin < 0 {
		margin = 0
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reservation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		marginPct:  margin,
		accountSvc: p.AccountSvc,
		ledger:     p.Ledger,
		metrics:    p.Metrics,
	}
}

func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (*domain.Reservation, error) {
	shopDomain := shopctx.Normalize(req.ShopDomain)
	if shopDomain == "" {
		return nil, accountdomain.ErrInvalidShopDomain
	}
	if req.EstimatedTokens <= 0 {
		return nil, domain.ErrInvalidEstimate
	}
	if req.Feature == "" {
		return nil, domain.ErrInvalidFeature
	}

	account, err := s.accountSvc.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return nil, err
	}

	now := accountdomain.NormalizeTime(s.clock.Now())
	hold := s.withMargin(req.EstimatedTokens)
	reservationID := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	var balanceAfter int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.ledger.DebitIfSufficient(ctx, tx, account.ID, hold, now)
		if err != nil {
			return err
		}
		if !ok {
			return accountdomain.ErrInsufficientBalance
		}
		// Re-read after the debit so the reported balance reflects
		// concurrent credits and finalizations, not the snapshot the
		// reservation started from.
		debited, err := s.ledger.FindByShop(ctx, tx, shopDomain)
		if err != nil {
			return err
		}
		balanceAfter = debited.Balance
		return s.ledger.InsertUsageEntry(ctx, tx, &accountdomain.UsageEntry{
			ID:              s.genID.Generate(),
			AccountID:       account.ID,
			ShopDomain:      shopDomain,
			Feature:         req.Feature,
			TokensUsed:      hold,
			RelatedEntityID: req.RelatedEntityID,
			Metadata:        req.Metadata,
			ReservationID:   &reservationID,
			Status:          accountdomain.UsageStatusReserved,
			EstimatedAmount: hold,
			CreatedAt:       now,
		})
	})
	if err != nil {
		s.recordOp("reserve", err)
		return nil, err
	}
	s.recordOp("reserve", nil)

	s.log.Debug("reservation opened",
		zap.String("shop", shopDomain),
		zap.String("reservation_id", reservationID),
		zap.Int64("hold_tokens", hold),
	)
	return &domain.Reservation{
		ID:         reservationID,
		HoldTokens: hold,
		Balance:    balanceAfter,
		CreatedAt:  now,
	}, nil
}

func (s *Service) Finalize(ctx context.Context, req domain.FinalizeRequest) (*domain.FinalizeResult, error) {
	shopDomain := shopctx.Normalize(req.ShopDomain)
	if shopDomain == "" {
		return nil, accountdomain.ErrInvalidShopDomain
	}
	if req.ReservationID == "" {
		return nil, domain.ErrInvalidReservationID
	}
	if req.ActualTokens < 0 {
		return nil, domain.ErrInvalidActualTokens
	}

	result := &domain.FinalizeResult{ActualTokens: req.ActualTokens}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.ledger.FindByShopForUpdate(ctx, tx, shopDomain)
		if err != nil {
			return err
		}
		if account == nil {
			// Nothing to settle; do not fail the caller's primary operation.
			s.log.Warn("finalize for unknown account",
				zap.String("shop", shopDomain),
				zap.String("reservation_id", req.ReservationID),
			)
			return nil
		}

		entry, err := s.ledger.FindReservation(ctx, tx, shopDomain, req.ReservationID)
		if err != nil {
			return err
		}
		if entry == nil {
			// Already finalized, or never existed. Either way the ledger is
			// settled; log for reconciliation and return success.
			s.log.Warn("reservation missing or already finalized",
				zap.String("shop", shopDomain),
				zap.String("reservation_id", req.ReservationID),
			)
			return nil
		}

		return s.settle(ctx, tx, account, entry, req.ActualTokens, result)
	})
	if err != nil {
		s.recordOp("finalize", err)
		return nil, err
	}
	s.recordOp("finalize", nil)
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, shopDomain, reservationID string) (*domain.FinalizeResult, error) {
	return s.Finalize(ctx, domain.FinalizeRequest{
		ShopDomain:    shopDomain,
		ReservationID: reservationID,
		ActualTokens:  0,
	})
}

func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) error {
	shopDomain := shopctx.Normalize(req.ShopDomain)
	if shopDomain == "" {
		return accountdomain.ErrInvalidShopDomain
	}
	if req.Tokens <= 0 {
		return accountdomain.ErrInvalidAmount
	}
	if req.Feature == "" {
		return domain.ErrInvalidFeature
	}

	account, err := s.accountSvc.GetOrCreate(ctx, shopDomain)
	if err != nil {
		return err
	}

	now := accountdomain.NormalizeTime(s.clock.Now())
	tokens := req.Tokens
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.ledger.DebitIfSufficient(ctx, tx, account.ID, tokens, now)
		if err != nil {
			return err
		}
		if !ok {
			return accountdomain.ErrInsufficientBalance
		}
		if err := s.ledger.AddToTotalUsed(ctx, tx, account.ID, tokens, now); err != nil {
			return err
		}
		return s.ledger.InsertUsageEntry(ctx, tx, &accountdomain.UsageEntry{
			ID:              s.genID.Generate(),
			AccountID:       account.ID,
			ShopDomain:      shopDomain,
			Feature:         req.Feature,
			TokensUsed:      tokens,
			RelatedEntityID: req.RelatedEntityID,
			Metadata:        req.Metadata,
			Status:          accountdomain.UsageStatusFinalized,
			ActualTokens:    &tokens,
			CreatedAt:       now,
			FinalizedAt:     &now,
		})
	})
	s.recordOp("deduct", err)
	return err
}

func (s *Service) SweepStale(ctx context.Context, cutoff time.Time, limit int) (*domain.SweepResult, error) {
	result := &domain.SweepResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := s.ledger.LockStaleReservations(ctx, tx, cutoff, limit)
		if err != nil {
			return err
		}
		for i := range entries {
			entry := &entries[i]
			account, err := s.ledger.FindByShopForUpdate(ctx, tx, entry.ShopDomain)
			if err != nil {
				return err
			}
			if account == nil {
				continue
			}
			settled := &domain.FinalizeResult{}
			if err := s.settle(ctx, tx, account, entry, 0, settled); err != nil {
				return err
			}
			if settled.Applied {
				result.Released++
				result.RefundedTokens += settled.RefundedTokens
				if s.metrics != nil {
					s.metrics.RecordSweptReservation(settled.RefundedTokens)
				}
				s.log.Info("stale reservation released",
					zap.String("shop", entry.ShopDomain),
					zap.Stringp("reservation_id", entry.ReservationID),
					zap.Int64("refunded_tokens", settled.RefundedTokens),
				)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settle reconciles a locked reserved entry against the actual usage. Runs
// inside the caller's transaction with the account row locked.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, account *accountdomain.Account, entry *accountdomain.UsageEntry, actualTokens int64, result *domain.FinalizeResult) error {
	now := accountdomain.NormalizeTime(s.clock.Now())
	difference := entry.EstimatedAmount - actualTokens

	refunded := int64(0)
	switch {
	case difference > 0:
		// Actual cost came in under the hold; return the margin.
		refunded = difference
		if err := s.ledger.Credit(ctx, tx, account.ID, refunded, now); err != nil {
			return err
		}
	case difference < 0:
		// Actual exceeded the hold; collect the overage, but never push the
		// balance below zero.
		overage := -difference
		ok, err := s.ledger.DebitIfSufficient(ctx, tx, account.ID, overage, now)
		if err != nil {
			return err
		}
		if !ok {
			capped := account.Balance
			if capped > 0 {
				if ok, err := s.ledger.DebitIfSufficient(ctx, tx, account.ID, capped, now); err != nil {
					return err
				} else if !ok {
					capped = 0
				}
			} else {
				capped = 0
			}
			result.CappedDeduction = true
			result.ExtraDeducted = capped
			if s.metrics != nil {
				s.metrics.RecordReconciliationWarning()
			}
			s.log.Warn("finalize overage capped at zero balance",
				zap.String("shop", account.ShopDomain),
				zap.Stringp("reservation_id", entry.ReservationID),
				zap.Int64("overage", overage),
				zap.Int64("collected", capped),
			)
		} else {
			result.ExtraDeducted = overage
		}
	}

	applied, err := s.ledger.MarkFinalized(ctx, tx, entry.ID, actualTokens, refunded, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := s.ledger.AddToTotalUsed(ctx, tx, account.ID, actualTokens, now); err != nil {
		return err
	}

	result.Applied = true
	result.ActualTokens = actualTokens
	result.RefundedTokens = refunded
	return nil
}

func (s *Service) withMargin(estimate int64) int64 {
	// Round the margin up so the hold always covers the full percentage.
	margin := (estimate*s.marginPct + 99) / 100
	return estimate + margin
}

func (s *Service) recordOp(op string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if err == accountdomain.ErrInsufficientBalance {
			result = "insufficient_balance"
		}
	}
	s.metrics.RecordLedgerOp(op, result)
}
