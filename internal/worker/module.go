package worker

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(cfg *config.AppConfig, logger *zap.Logger) (Backend, error) {
					return NewBackend(&cfg.Worker, logger)
				},
			),
			fx.Annotate(
				func(reg prometheus.Registerer) *MetricsCollector {
					return NewMetricsCollector(reg)
				},
			),
			NewManager,
			fx.Annotate(
				func(backend Backend, manager *Manager, cfg *config.AppConfig, logger *zap.Logger) *Reaper {
					return NewReaper(backend, manager, &cfg.Worker, logger)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	manager *Manager,
	reaper *Reaper,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			reaper.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := reaper.Stop(ctx); err != nil {
				logger.Warn("reaper did not stop in time", zap.Error(err))
			}
			logger.Info("stopping worker supervision")
			return manager.Shutdown(ctx)
		},
	})
}
