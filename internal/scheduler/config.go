package scheduler

import (
	"time"
)

// Config controls the periodic job cadence and retention windows.
type Config struct {
	RunInterval              time.Duration
	ReconcileAfter           time.Duration
	IdempotencyRetentionDays int
	HistoryRetentionDays     int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:              5 * time.Minute,
		ReconcileAfter:           10 * time.Minute,
		IdempotencyRetentionDays: 90,
		HistoryRetentionDays:     30,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = defaults.ReconcileAfter
	}
	if c.IdempotencyRetentionDays <= 0 {
		c.IdempotencyRetentionDays = defaults.IdempotencyRetentionDays
	}
	if c.HistoryRetentionDays <= 0 {
		c.HistoryRetentionDays = defaults.HistoryRetentionDays
	}
	return c
}
