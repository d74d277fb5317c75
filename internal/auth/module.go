package auth

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

// NewModule returns the auth module options
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger) *Service {
					return NewService(&config.Auth, log)
				},
			),
			fx.Annotate(
				func(svc *Service, log *zap.Logger) *Guard {
					return NewGuard(svc, log)
				},
			),
		),
	)
}
