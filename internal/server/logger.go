package server

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger returns the logger for the given APP_ENV value.
func NewLogger(env string) (*zap.Logger, error) {
	switch env {
	case EnvProduction:
		return zap.NewProduction()
	case EnvTesting:
		return zap.NewNop(), nil
	case EnvDevelopment, "":
		return zap.NewDevelopment()
	default:
		return nil, fmt.Errorf("unknown environment: %s", env)
	}
}
