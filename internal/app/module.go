package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/auth"
	"github.com/elskow/buildshuttle/internal/buildrecord"
	"github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/database"
	"github.com/elskow/buildshuttle/internal/migration"
	"github.com/elskow/buildshuttle/internal/notify"
	"github.com/elskow/buildshuttle/internal/pipeline/validator"
	"github.com/elskow/buildshuttle/internal/server"
	"github.com/elskow/buildshuttle/internal/worker"
)

// Module combines all modules of the accepting process. The database and
// its migrations are only part of the graph when enabled.
func Module(cfg *config.AppConfig, logger *zap.Logger) fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg, logger),
		fx.Provide(newRegistry),
	}

	if cfg.Database.Enabled {
		opts = append(opts, database.Module(), migration.Module())
	}

	opts = append(opts,
		buildrecord.Module(),
		artifact.Module(),
		notify.Module(),
		auth.NewModule(),
		worker.Module(),

		fx.Provide(
			fx.Annotate(
				func(m *worker.Manager) server.Builds { return m },
			),
			fx.Annotate(
				func() validator.Validator { return validator.NewRequestValidator() },
			),
			server.NewServer,
		),

		fx.Invoke(registerHooks),
	)

	return fx.Options(opts...)
}

func newRegistry() (*prometheus.Registry, prometheus.Registerer, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg, reg
}

func registerHooks(
	lifecycle fx.Lifecycle,
	shutdowner fx.Shutdowner,
	srv *server.Server,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("failed to start server", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server...")
			return srv.Stop(ctx)
		},
	})
}
