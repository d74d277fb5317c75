package notify

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(cfg *config.AppConfig, logger *zap.Logger) *Notifier {
					return NewNotifier(cfg.Notify.Timeout, logger)
				},
			),
		),
	)
}
