package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crowsandbox/crow/pkg/persistence"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds Postgres-specific configuration
type Config struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"maxConns,omitempty"`
	// SkipMigrate disables running embedded migrations at startup.
	SkipMigrate bool `json:"skipMigrate,omitempty"`
}

// NewPlugin creates a Postgres job store from registry configuration and
// applies pending migrations.
func NewPlugin(config persistence.PluginConfig) (persistence.JobStore, error) {
	var cfg Config
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		return nil, fmt.Errorf("postgres store config: %w", err)
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres store config: dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("crow/postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("crow/postgres: connect: %w", err)
	}

	s := NewFromPool(pool, WithLogger(config.Logger))
	if !cfg.SkipMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func init() {
	persistence.RegisterProvider("postgres", NewPlugin)
}
