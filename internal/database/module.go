package database

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

// Module provides the *Manager and closes its pool on stop.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(cfg *config.AppConfig, log *zap.Logger) (*Manager, error) {
					return NewManager(&cfg.Database, log)
				},
			),
		),
		fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
			lc.Append(fx.StopHook(func(ctx context.Context) error {
				m.logger.Info("closing build record database")
				return m.Close()
			}))
		}),
	)
}
