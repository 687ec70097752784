package persistence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/crowsandbox/crow/internal/backoff"
	"github.com/crowsandbox/crow/pkg/config"
)

// Open builds the store selected by cfg.Store and puts it under supervision.
// The provider package must be linked in (blank import) for its type to resolve.
// The caller runs the returned store's Run loop.
func Open(cfg *config.Config, logger *slog.Logger, onStateChange func(healthy bool, err error)) (*SupervisedStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := cfg.Store.RawConfig()
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, using UTC", "timezone", cfg.Timezone)
		loc = time.UTC
	}
	inner, err := NewStore(
		ProviderConfig{Type: cfg.Store.Type, Config: raw},
		PluginConfig{Timezone: loc, Logger: logger.With("store", cfg.Store.Type)},
	)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	policy, err := backoff.ParsePolicy(cfg.BackoffPolicy)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	return Supervise(inner, SuperviseOptions{
		Interval: time.Duration(cfg.StoreHealthCheckSeconds) * time.Second,
		Backoff: backoff.New(policy,
			time.Duration(cfg.BackoffBaseSeconds)*time.Second,
			time.Duration(cfg.BackoffMaxSeconds)*time.Second),
		Logger:        logger,
		OnStateChange: onStateChange,
	}), nil
}
