package config

import (
	"encoding/json"
	"fmt"
	"strings"

	appconfig "github.com/elskow/buildshuttle/internal/config"
)

type ExecutorConfig struct {
	StagingDir     string
	NoCache        bool
	ExtraBuildArgs map[string]string
}

// FromEnv derives the executor settings from the worker environment.
// Test mode always disables the layer cache.
func FromEnv(env *appconfig.WorkerEnv) (*ExecutorConfig, error) {
	extra, err := ParseBuildArgs(env.ExtraBuildArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid EXTRA_BUILD_ARGS: %w", err)
	}

	return &ExecutorConfig{
		StagingDir:     env.StagingDir,
		NoCache:        env.NoCache || env.TestMode,
		ExtraBuildArgs: extra,
	}, nil
}

// ParseBuildArgs decodes a JSON object of build arguments. Empty input
// yields an empty map.
func ParseBuildArgs(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid build args: %w", err)
	}
	return args, nil
}
