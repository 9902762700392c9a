package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/storelift/metering/internal/config"
)

const (
	keyMeteredShop = "metering:shop:%s"
	keySweepLock   = "metering:sweep:lock"
)

// ShopLimiter throttles metered calls (reserve, deduct) per shop. Disabled
// limiters pass everything through, so the HTTP layer can hold a nil
// instance when redis is not configured.
type ShopLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	shopRate  float64
	shopBurst int
}

func NewShopLimiter(cfg config.Config) (*ShopLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ShopRate <= 0 || limitCfg.ShopBurst <= 0 {
		return nil, errors.New("shop rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &ShopLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		locker:    NewLocker(client),
		shopRate:  limitCfg.ShopRate,
		shopBurst: limitCfg.ShopBurst,
	}, nil
}

func (l *ShopLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ShopLimiter) AllowShop(ctx context.Context, shopDomain string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyMeteredShop, strings.TrimSpace(shopDomain))
	return l.bucket.Allow(ctx, key, l.shopRate, l.shopBurst)
}

// TryLockSweep guards the stale-reservation sweep so only one instance runs
// it per interval.
func (l *ShopLimiter) TryLockSweep(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keySweepLock, ttl)
}

func (l *ShopLimiter) ReleaseSweep(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keySweepLock, token)
}
