package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval    time.Duration
	ReservationTTL time.Duration
	SweepBatchSize int
	SweepLockTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		ReservationTTL: 30 * time.Minute,
		SweepBatchSize: 100,
		SweepLockTTL:   45 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaults.ReservationTTL
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.SweepLockTTL <= 0 {
		c.SweepLockTTL = defaults.SweepLockTTL
	}
	return c
}
