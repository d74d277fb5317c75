package worker

import (
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

func NewBackend(cfg *config.WorkerConfig, logger *zap.Logger) (Backend, error) {
	if cfg.Kubernetes {
		backend, err := NewKubeBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}

	backend, err := NewDockerBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return backend, nil
}
