package pipeline

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/artifact"
	appconfig "github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/logs"
	"github.com/elskow/buildshuttle/internal/logs/bus"
	"github.com/elskow/buildshuttle/internal/pipeline/builder"
	"github.com/elskow/buildshuttle/internal/pipeline/config"
	"github.com/elskow/buildshuttle/internal/pipeline/validator"
	"github.com/elskow/buildshuttle/internal/source"
)

// Module wires the build worker process. It expects *appconfig.WorkerEnv
// to be supplied.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(env *appconfig.WorkerEnv) (*config.ExecutorConfig, error) {
					return config.FromEnv(env)
				},
			),
			fx.Annotate(
				func(logger *zap.Logger) (builder.Engine, error) {
					return builder.NewDockerEngine(logger)
				},
			),
			fx.Annotate(
				func(env *appconfig.WorkerEnv, logger *zap.Logger) (artifact.Store, error) {
					return artifact.New(context.Background(), &env.Storage, env.TestMode, logger)
				},
			),
			fx.Annotate(
				func(env *appconfig.WorkerEnv, logger *zap.Logger) Resolver {
					return source.NewResolver(env.Timeout(), logger)
				},
			),
			fx.Annotate(
				func() validator.Validator {
					return validator.NewRequestValidator()
				},
			),
			fx.Annotate(
				// Build lines are mirrored to stdout, the execution unit's log stream.
				func(env *appconfig.WorkerEnv, store artifact.Store, logger *zap.Logger) *logs.Multiplexer {
					return logs.NewMultiplexer(store, bus.Dial, logs.Options{
						Topic:         env.Topic,
						FlushInterval: env.FlushInterval,
						Mirror:        os.Stdout,
					}, logger)
				},
			),
			NewExecutor,
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lc fx.Lifecycle, mux *logs.Multiplexer) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mux.Close()
		},
	})
}
