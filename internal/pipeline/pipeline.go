package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/registry"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/pipeline/builder"
	"github.com/elskow/buildshuttle/internal/pipeline/config"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
	"github.com/elskow/buildshuttle/internal/pipeline/validator"
	"github.com/elskow/buildshuttle/internal/source"
)

// EventSink receives the log events of one build.
type EventSink interface {
	Send(ctx context.Context, ev types.Event) error
}

type Resolver interface {
	Resolve(ctx context.Context, req *types.BuildRequest) (*source.Source, error)
}

// Executor runs one build inside the worker: resolve sources, build or
// pull, tag, push, and persist the submitted sources.
type Executor struct {
	config    *config.ExecutorConfig
	engine    builder.Engine
	store     artifact.Store
	resolver  Resolver
	validator validator.Validator
	logger    *zap.Logger
}

func NewExecutor(
	config *config.ExecutorConfig,
	engine builder.Engine,
	store artifact.Store,
	resolver Resolver,
	validator validator.Validator,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		config:    config,
		engine:    engine,
		store:     store,
		resolver:  resolver,
		validator: validator,
		logger:    logger,
	}
}

func (e *Executor) Execute(ctx context.Context, req *types.BuildRequest, sink EventSink) error {
	e.emit(ctx, sink, "Generating build for %s-%s build uuid %s", req.App, req.Space, req.BuildUUID)
	if req.Repo != "" {
		e.emit(ctx, sink, "Getting source code for %s/%s SHA %s...", req.Repo, req.Branch, req.SHA)
	}

	src, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		e.emit(ctx, sink, "Error resolving sources: %v", err)
		return fmt.Errorf("failed to resolve sources: %w", err)
	}
	defer src.Close()

	if src.Kind == source.KindImage {
		err = e.buildFromImage(ctx, req, src, sink)
	} else {
		err = e.buildFromArchive(ctx, req, src, sink)
	}
	if err != nil {
		e.emit(ctx, sink, "Error during build: %v", err)
		return err
	}
	return nil
}

func (e *Executor) buildFromArchive(ctx context.Context, req *types.BuildRequest, src *source.Source, sink EventSink) error {
	bc, err := builder.NewBuildContext(e.config.StagingDir, req.BuildUUID)
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() {
		if err := bc.Cleanup(); err != nil {
			e.logger.Warn("cleanup failed",
				zap.String("build_uuid", req.BuildUUID),
				zap.Error(err))
		}
	}()

	if err := writeFile(bc.SourcesPath, src.Body.Reader()); err != nil {
		return fmt.Errorf("failed to stage sources: %w", err)
	}

	// The stored copy is uploaded alongside the build and awaited at the end.
	var uploads errgroup.Group
	uploads.Go(func() error {
		return e.persistSources(ctx, req, bc.SourcesPath)
	})
	waitUploads := func(buildErr error) error {
		if err := uploads.Wait(); err != nil && buildErr == nil {
			return err
		}
		return buildErr
	}

	if err := Extract(bc.SourcesPath, bc.BuildDir); err != nil {
		return waitUploads(err)
	}
	if moved, err := Flatten(bc.BuildDir); err != nil {
		e.logger.Debug("flatten skipped", zap.Error(err))
	} else if moved {
		e.logger.Debug("flattened single top-level directory")
	}
	e.logger.Debug("extracted sources", zap.String("dir", bc.BuildDir))

	if err := e.validator.ValidateBuildContext(bc.BuildDir); err != nil {
		return waitUploads(err)
	}

	args := MergeBuildArgs(e.config.ExtraBuildArgs, req.BuildArgs)
	if err := rewriteDockerfileAt(filepath.Join(bc.BuildDir, "Dockerfile"), args); err != nil {
		return waitUploads(err)
	}

	opts := &builder.Options{
		Tags:      targetRefs(req),
		BuildArgs: args,
		Labels:    imageLabels(req),
		NoCache:   e.config.NoCache,
	}
	if auth := registryAuth(req); auth != nil {
		opts.AuthConfigs = map[string]registry.AuthConfig{req.RegistryHost: *auth}
		e.authenticate(ctx, req, *auth, sink)
	}

	e.logger.Info("starting build",
		zap.String("build_uuid", req.BuildUUID),
		zap.Bool("no_cache", opts.NoCache))
	if err := e.engine.Build(ctx, bc.BuildDir, opts, e.forward(ctx, sink)); err != nil {
		return waitUploads(err)
	}

	for _, ref := range opts.Tags {
		if err := e.engine.Push(ctx, ref, registryAuth(req), e.forward(ctx, sink)); err != nil {
			return waitUploads(err)
		}
		e.logger.Info("pushed image", zap.String("image", ref))
	}

	return waitUploads(nil)
}

func (e *Executor) buildFromImage(ctx context.Context, req *types.BuildRequest, src *source.Source, sink EventSink) error {
	var pullAuth *registry.AuthConfig
	if src.Auth != nil {
		pullAuth = &registry.AuthConfig{Username: src.Auth.Username, Password: src.Auth.Password}
	}

	e.logger.Info("pulling image", zap.String("image", src.Image))
	if err := e.engine.Pull(ctx, src.Image, pullAuth, e.forward(ctx, sink)); err != nil {
		return err
	}

	refs := targetRefs(req)
	for _, ref := range refs {
		if err := e.engine.Tag(ctx, src.Image, ref); err != nil {
			return err
		}
	}
	for _, ref := range refs {
		if err := e.engine.Push(ctx, ref, registryAuth(req), e.forward(ctx, sink)); err != nil {
			return err
		}
		e.logger.Info("pushed image", zap.String("image", ref))
	}
	return nil
}

// authenticate checks credentials against the registry, retrying with an
// explicit https scheme. Failures are reported and otherwise ignored.
func (e *Executor) authenticate(ctx context.Context, req *types.BuildRequest, auth registry.AuthConfig, sink EventSink) {
	if auth.ServerAddress == "" {
		auth.ServerAddress = req.RegistryHost
	}

	err := e.engine.Login(ctx, auth)
	if err != nil && !strings.HasPrefix(auth.ServerAddress, "https://") {
		e.emit(ctx, sink, "Error, unable to authorize %s: %v", auth.ServerAddress, err)
		auth.ServerAddress = "https://" + auth.ServerAddress
		err = e.engine.Login(ctx, auth)
	}
	if err != nil {
		e.emit(ctx, sink, "Error, unable to authorize %s: %v", auth.ServerAddress, err)
	}
}

func (e *Executor) persistSources(ctx context.Context, req *types.BuildRequest, path string) error {
	contentType := artifact.DefaultContentType
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open staged sources: %w", err)
	}
	defer f.Close()

	if err := e.store.Write(ctx, req.BuildUUID, artifact.Stream(f).WithContentType(contentType)); err != nil {
		return fmt.Errorf("failed to persist sources: %w", err)
	}
	e.logger.Debug("persisted sources", zap.String("build_uuid", req.BuildUUID))
	return nil
}

func (e *Executor) forward(ctx context.Context, sink EventSink) builder.EventFunc {
	return func(ev types.Event) {
		if err := sink.Send(ctx, ev); err != nil {
			e.logger.Warn("failed to forward build event", zap.Error(err))
		}
	}
}

func (e *Executor) emit(ctx context.Context, sink EventSink, format string, args ...interface{}) {
	e.forward(ctx, sink)(types.StreamEvent(format, args...))
}

// targetRefs lists the numbered reference first, then latest.
func targetRefs(req *types.BuildRequest) []string {
	repo := req.Repository()
	return []string{repo + ":" + req.Tag(), repo + ":latest"}
}

func imageLabels(req *types.BuildRequest) map[string]string {
	return map[string]string{
		"app":        req.App,
		"space":      req.Space,
		"build_uuid": req.BuildUUID,
		"app_uuid":   req.AppUUID,
	}
}

func registryAuth(req *types.BuildRequest) *registry.AuthConfig {
	if req.RegistryAuth == nil {
		return nil
	}
	return &registry.AuthConfig{
		Username:      req.RegistryAuth.Username,
		Password:      req.RegistryAuth.Password,
		Email:         req.RegistryAuth.Email,
		ServerAddress: req.RegistryAuth.ServerAddress,
	}
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
