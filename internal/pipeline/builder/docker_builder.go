package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

// DockerAPI is the part of the docker client used for image work.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options dockertypes.ImageBuildOptions) (dockertypes.ImageBuildResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
}

type DockerEngine struct {
	cli    DockerAPI
	logger *zap.Logger
}

func NewDockerEngine(logger *zap.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerEngine{cli: cli, logger: logger}, nil
}

func NewDockerEngineWithClient(cli DockerAPI, logger *zap.Logger) *DockerEngine {
	return &DockerEngine{cli: cli, logger: logger}
}

func (e *DockerEngine) Login(ctx context.Context, auth registry.AuthConfig) error {
	resp, err := e.cli.RegistryLogin(ctx, auth)
	if err != nil {
		return fmt.Errorf("registry login %s: %w", auth.ServerAddress, err)
	}
	e.logger.Debug("registry login",
		zap.String("server", auth.ServerAddress),
		zap.String("status", resp.Status))
	return nil
}

func (e *DockerEngine) Build(ctx context.Context, contextDir string, opts *Options, onEvent EventFunc) error {
	tar, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer tar.Close()

	args := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		v := v
		args[k] = &v
	}

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := e.cli.ImageBuild(ctx, tar, dockertypes.ImageBuildOptions{
		Dockerfile:  dockerfile,
		Tags:        opts.Tags,
		BuildArgs:   args,
		Labels:      opts.Labels,
		NoCache:     opts.NoCache,
		Remove:      true,
		ForceRemove: true,
		PullParent:  opts.NoCache,
		AuthConfigs: opts.AuthConfigs,
	})
	if err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}
	defer resp.Body.Close()

	if err := Follow(resp.Body, onEvent); err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}
	return nil
}

func (e *DockerEngine) Pull(ctx context.Context, ref string, auth *registry.AuthConfig, onEvent EventFunc) error {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return err
	}
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("docker pull %s failed: %w", ref, err)
	}
	defer rc.Close()

	if err := Follow(rc, onEvent); err != nil {
		return fmt.Errorf("docker pull %s failed: %w", ref, err)
	}
	return nil
}

func (e *DockerEngine) Tag(ctx context.Context, source, target string) error {
	if err := e.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("docker tag %s %s failed: %w", source, target, err)
	}
	return nil
}

func (e *DockerEngine) Push(ctx context.Context, ref string, auth *registry.AuthConfig, onEvent EventFunc) error {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return err
	}
	rc, err := e.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("docker push %s failed: %w", ref, err)
	}
	defer rc.Close()

	if err := Follow(rc, onEvent); err != nil {
		return fmt.Errorf("docker push %s failed: %w", ref, err)
	}
	return nil
}

// encodeAuth always produces a header value; the daemon rejects pushes
// without one.
func encodeAuth(auth *registry.AuthConfig) (string, error) {
	if auth == nil {
		auth = &registry.AuthConfig{}
	}
	encoded, err := registry.EncodeAuthConfig(*auth)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return encoded, nil
}

// Follow decodes a daemon progress stream, forwarding each record and
// stopping at the first error record.
func Follow(r io.Reader, onEvent EventFunc) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode progress stream: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
		if onEvent != nil {
			onEvent(types.Event{Status: msg.Status, Progress: msg.ProgressMessage, Stream: msg.Stream})
		}
	}
}
