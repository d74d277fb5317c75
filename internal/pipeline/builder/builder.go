package builder

import (
	"context"

	"github.com/docker/docker/api/types/registry"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

// EventFunc receives every progress record of an engine operation in order.
type EventFunc func(types.Event)

type Options struct {
	Tags       []string
	BuildArgs  map[string]string
	Labels     map[string]string
	NoCache    bool
	Dockerfile string

	// AuthConfigs lets the build pull base images from private registries.
	AuthConfigs map[string]registry.AuthConfig
}

// Engine is the image engine the executor drives.
type Engine interface {
	Login(ctx context.Context, auth registry.AuthConfig) error
	Build(ctx context.Context, contextDir string, opts *Options, onEvent EventFunc) error
	Pull(ctx context.Context, image string, auth *registry.AuthConfig, onEvent EventFunc) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, image string, auth *registry.AuthConfig, onEvent EventFunc) error
}
