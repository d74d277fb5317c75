package migration

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

// Module brings the build record schema to the embedded version on start.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(cfg *config.AppConfig) (*Migrator, error) {
					return NewMigrator(&cfg.Database)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	migrator *Migrator,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return reconcile(migrator, logger)
		},
		OnStop: func(ctx context.Context) error {
			return migrator.Close()
		},
	})
}

type versioned interface {
	GetCurrentVersion() (int64, error)
	GetLatestVersion() (int64, error)
	Up() error
	DownTo(version int64) error
}

// reconcile moves the schema up or down to the latest embedded migration.
// A database ahead of this binary is rolled back so that an older
// release can still write build records.
func reconcile(m versioned, logger *zap.Logger) error {
	current, err := m.GetCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	latest, err := m.GetLatestVersion()
	if err != nil {
		return fmt.Errorf("failed to read embedded schema version: %w", err)
	}

	fields := []zap.Field{zap.Int64("current_version", current), zap.Int64("latest_version", latest)}
	switch {
	case current == latest:
		logger.Info("build record schema is current", fields...)
		return nil
	case current > latest:
		logger.Warn("build record schema is ahead, rolling back", fields...)
		if err := m.DownTo(latest); err != nil {
			return fmt.Errorf("failed to roll back schema: %w", err)
		}
	default:
		logger.Info("migrating build record schema", fields...)
		if err := m.Up(); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
