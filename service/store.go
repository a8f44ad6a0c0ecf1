package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/config"
	"github.com/timzifer/fleetcollector/storage"
	"github.com/timzifer/fleetcollector/storage/postgres"
	"github.com/timzifer/fleetcollector/storage/sqlite"
)

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, rule *storage.ParkedRule, logger zerolog.Logger) (storage.Store, error) {
	if cfg.ConnectTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout.Duration)
		defer cancel()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres", "postgresql":
		return postgres.Open(ctx, postgres.Config{
			URL:            cfg.URL,
			PoolSize:       cfg.PoolSize,
			ConnectTimeout: cfg.ConnectTimeout.Duration,
			Migrate:        cfg.Migrate,
		}, rule, logger)
	case "sqlite":
		return sqlite.Open(ctx, cfg.URL, rule, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func parkedRule(cfg config.ParkedConfig) (*storage.ParkedRule, error) {
	threshold := cfg.VoltageThreshold
	if threshold <= 0 {
		threshold = storage.DefaultParkedThreshold
	}
	return storage.NewParkedRule(cfg.Expression, threshold)
}
