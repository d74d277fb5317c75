package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/miekg/dns"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/elskow/buildshuttle/internal/config"
)

const (
	workerSocketPath = "/var/run/docker.sock"
	outputDrainLimit = 5 * time.Second
	removeTimeout    = 30 * time.Second
)

// ContainerAPI is the part of the docker client used to run workers.
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (dockertypes.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
}

// DockerBackend runs each worker as a container on the local engine.
type DockerBackend struct {
	cli    ContainerAPI
	cfg    *config.WorkerConfig
	dns    []string
	logger *zap.Logger
}

func NewDockerBackend(cfg *config.WorkerConfig, logger *zap.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerBackendWithClient(cli, cfg, logger), nil
}

func NewDockerBackendWithClient(cli ContainerAPI, cfg *config.WorkerConfig, logger *zap.Logger) *DockerBackend {
	return &DockerBackend{
		cli:    cli,
		cfg:    cfg,
		dns:    hostResolvers(cfg.ResolvConf, logger),
		logger: logger,
	}
}

// hostResolvers reads the nameservers of the host so workers resolve
// names the same way.
func hostResolvers(path string, logger *zap.Logger) []string {
	if path == "" {
		return nil
	}
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		logger.Warn("unable to read resolver configuration",
			zap.String("path", path),
			zap.Error(err))
		return nil
	}
	return conf.Servers
}

func (b *DockerBackend) Kind() Kind {
	return KindContainer
}

func (b *DockerBackend) Create(ctx context.Context, spec Spec) (*Handle, error) {
	now := time.Now()
	deadline := now.Add(spec.Timeout)

	labels := unitMetadata(spec.Identity, deadline)
	labels[labelName] = WorkerLabel

	cfg := &container.Config{
		Image:        b.cfg.Image,
		Cmd:          b.cfg.Command,
		Env:          spec.Env,
		Labels:       labels,
		AttachStdout: true,
		AttachStderr: true,
	}
	host := &container.HostConfig{
		AutoRemove: true,
		DNS:        b.dns,
		Resources: container.Resources{
			CPUShares: b.cfg.CPUShares,
			Memory:    b.cfg.MemoryBytes,
		},
	}
	if b.cfg.DockerSocket != "" {
		host.Binds = []string{b.cfg.DockerSocket + ":" + workerSocketPath}
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Identity)
	if err != nil {
		if errdefs.IsConflict(err) {
			return nil, fmt.Errorf("worker container %s already exists: %w", spec.Identity, err)
		}
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}
	for _, w := range created.Warnings {
		b.logger.Warn("docker warning", zap.String("identity", spec.Identity), zap.String("warning", w))
	}

	// Attach and wait outlive the submitting request.
	unitCtx, cancel := context.WithCancel(context.Background())
	att, err := b.cli.ContainerAttach(unitCtx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		cancel()
		b.discard(created.ID)
		return nil, fmt.Errorf("failed to attach to worker container: %w", err)
	}
	waitC, errC := b.cli.ContainerWait(unitCtx, created.ID, container.WaitConditionNextExit)

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		att.Close()
		cancel()
		b.discard(created.ID)
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}

	b.logger.Info("worker container started",
		zap.String("identity", spec.Identity),
		zap.String("container", created.ID))

	h := &Handle{
		Identity:  spec.Identity,
		Kind:      KindContainer,
		ID:        created.ID,
		StartedAt: now,
		Deadline:  deadline,
	}
	h.await = func(ctx context.Context, out io.Writer) (Result, error) {
		return b.supervise(ctx, h, att, waitC, errC, cancel, out)
	}
	return h, nil
}

func (b *DockerBackend) supervise(
	ctx context.Context,
	h *Handle,
	att dockertypes.HijackedResponse,
	waitC <-chan container.WaitResponse,
	errC <-chan error,
	cancel context.CancelFunc,
	out io.Writer,
) (Result, error) {
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(out, out, att.Reader); err != nil {
			b.logger.Debug("worker output stream ended",
				zap.String("identity", h.Identity),
				zap.Error(err))
		}
	}()
	defer func() {
		att.Close()
		<-copied
		cancel()
	}()

	timer := time.NewTimer(time.Until(h.Deadline))
	defer timer.Stop()

	select {
	case resp := <-waitC:
		select {
		case <-copied:
		case <-time.After(outputDrainLimit):
		}
		if resp.Error != nil && resp.Error.Message != "" {
			return Result{}, fmt.Errorf("failed waiting for worker %s: %s", h.ID, resp.Error.Message)
		}
		return Result{ExitCode: int(resp.StatusCode)}, nil

	case err := <-errC:
		if errdefs.IsNotFound(err) {
			return Result{}, ErrUnitGone
		}
		return Result{}, fmt.Errorf("failed waiting for worker %s: %w", h.ID, err)

	case <-timer.C:
		b.logger.Warn("worker timed out, removing",
			zap.String("identity", h.Identity),
			zap.Time("deadline", h.Deadline))
		b.discard(h.ID)
		return Result{TimedOut: true}, nil

	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *DockerBackend) Stop(ctx context.Context, identity string) error {
	ids, err := b.find(ctx, identity)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (b *DockerBackend) Teardown(ctx context.Context, identity string) error {
	if err := b.Stop(ctx, identity); err != nil {
		return err
	}

	err := wait.PollUntilContextTimeout(ctx, pollInterval(b.cfg), pollTimeout(b.cfg), true, func(ctx context.Context) (bool, error) {
		ids, err := b.find(ctx, identity)
		if err != nil {
			return false, err
		}
		return len(ids) == 0, nil
	})
	if err != nil {
		return fmt.Errorf("worker container %s was not removed: %w", identity, err)
	}
	return nil
}

func (b *DockerBackend) FetchLogs(ctx context.Context, identity string) (string, error) {
	ids, err := b.find(ctx, identity)
	if err != nil || len(ids) == 0 {
		return "", err
	}

	rc, err := b.cli.ContainerLogs(ctx, ids[0], container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read worker logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to read worker logs: %w", err)
	}
	return buf.String(), nil
}

func (b *DockerBackend) List(ctx context.Context) ([]Unit, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelName+"="+WorkerLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker containers: %w", err)
	}

	units := make([]Unit, 0, len(containers))
	for _, c := range containers {
		units = append(units, Unit{
			Identity: c.Labels[labelIdentity],
			ID:       c.ID,
			Created:  time.Unix(c.Created, 0),
			Deadline: deadlineFrom(c.Labels),
		})
	}
	return units, nil
}

// find returns the containers named identity, with or without the
// engine's leading slash or a worker prefix.
func (b *DockerBackend) find(ctx context.Context, identity string) ([]string, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", identity)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var ids []string
	for _, c := range containers {
		if matchesIdentity(c.Names, identity) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func matchesIdentity(names []string, identity string) bool {
	for _, n := range names {
		n = strings.TrimPrefix(n, "/")
		if n == identity || n == WorkerLabel+"-"+identity {
			return true
		}
	}
	return false
}

// remove stops and force-removes a container. A container that is already
// gone or already being removed counts as removed.
func (b *DockerBackend) remove(ctx context.Context, id string) error {
	timeout := 0
	if err := b.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !gone(err) {
		b.logger.Debug("stop failed, forcing removal", zap.String("container", id), zap.Error(err))
	}
	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !gone(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func (b *DockerBackend) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := b.remove(ctx, id); err != nil {
		b.logger.Warn("failed to remove worker container", zap.String("container", id), zap.Error(err))
	}
}

func gone(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsConflict(err)
}

