package buildrecord

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/database"
)

type Params struct {
	fx.In

	Manager *database.Manager `optional:"true"`
	Logger  *zap.Logger
}

// Module provides the postgres repository when a database manager is in
// the graph and the in-memory one otherwise.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(p Params) Repository {
					if p.Manager == nil {
						p.Logger.Info("no database configured, build records are kept in memory")
						return NewMemoryRepository()
					}
					return NewRepository(p.Manager.DB())
				},
			),
		),
	)
}
