package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/migration"
	"github.com/elskow/buildshuttle/internal/server"
)

func main() {
	command := flag.String("command", "up", "migration command (up/down/status/version/reset)")
	flag.Parse()

	logger, err := server.NewLogger(server.Environment())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	migrator, err := migration.NewMigrator(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to create migrator",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Name),
			zap.Error(err))
	}
	defer migrator.Close()

	switch *command {
	case "up":
		if err := migrator.Up(); err != nil {
			logger.Fatal("failed to apply build record migrations", zap.Error(err))
		}
		logger.Info("build record schema is up to date")

	case "down":
		if err := migrator.Down(); err != nil {
			logger.Fatal("failed to roll back migration", zap.Error(err))
		}
		logger.Info("rolled back one migration")

	case "status":
		if err := migrator.Status(); err != nil {
			logger.Fatal("failed to read migration status", zap.Error(err))
		}

	case "version":
		version, err := migrator.Version()
		if err != nil {
			logger.Fatal("failed to read migration version", zap.Error(err))
		}
		logger.Info("current schema version", zap.Int64("version", version))

	case "reset":
		if err := migrator.Reset(); err != nil {
			logger.Fatal("failed to reset migrations", zap.Error(err))
		}
		logger.Info("all migrations rolled back")

	default:
		logger.Fatal("unknown command", zap.String("command", *command))
	}
}
