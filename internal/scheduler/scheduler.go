// Package scheduler runs the periodic maintenance jobs, currently the
// stale-reservation sweep that releases balance held by operations that
// never finalized.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storelift/metering/internal/clock"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	"github.com/storelift/metering/internal/ratelimit"
	reservationdomain "github.com/storelift/metering/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log            *zap.Logger
	Clock          clock.Clock
	ReservationSvc reservationdomain.Service
	Limiter        *ratelimit.ShopLimiter `optional:"true"`
	Metrics        *obsmetrics.Metrics    `optional:"true"`
	Config         Config                 `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	reservationSvc reservationdomain.Service
	limiter        *ratelimit.ShopLimiter
	metrics        *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.ReservationSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		reservationSvc: p.ReservationSvc,
		limiter:        p.Limiter,
		metrics:        p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.IncJobRun(name)
	}

	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.ObserveJobDuration(name, time.Since(start))
	}
	if err == nil {
		return nil
	}

	if s.metrics != nil {
		s.metrics.IncJobError(name)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, "sweep_stale_reservations", 30*time.Second, s.SweepStaleReservationsJob)
}

// SweepStaleReservationsJob finalizes-as-zero every reservation older than
// the TTL. A redis lock keeps multiple instances from sweeping the same
// batch; the row-level SKIP LOCKED claim makes overlap harmless anyway.
func (s *Scheduler) SweepStaleReservationsJob(ctx context.Context) error {
	if s.limiter.Enabled() {
		token, ok, err := s.limiter.TryLockSweep(ctx, s.cfg.SweepLockTTL)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Debug("sweep already running elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := s.limiter.ReleaseSweep(ctx, token); err != nil {
				s.log.Warn("sweep lock release failed", zap.Error(err))
			}
		}()
	}

	cutoff := s.clock.Now().UTC().Add(-s.cfg.ReservationTTL)
	result, err := s.reservationSvc.SweepStale(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	if result.Released > 0 {
		s.log.Info("stale reservations swept",
			zap.Int("released", result.Released),
			zap.Int64("refunded_tokens", result.RefundedTokens),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
