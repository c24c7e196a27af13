package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gold-monitor/internal/config"
)

// Open constructs the state store selected by storage.driver.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (StateStore, error) {
	logger = logger.With().Str("component", "storage").Str("driver", cfg.Storage.Driver).Logger()

	switch cfg.Storage.Driver {
	case config.DriverFile:
		store, err := NewFileStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.Storage.Path).Msg("state store ready")
		return store, nil
	case config.DriverSQLite:
		store, err := NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.Storage.Path).Msg("state store ready")
		return store, nil
	case config.DriverPostgres:
		if cfg.Database.AutoMigrate {
			if err := Migrate(cfg.Database.DSN); err != nil {
				return nil, err
			}
			logger.Info().Msg("migrations applied")
		}
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info().Msg("state store ready")
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
}
