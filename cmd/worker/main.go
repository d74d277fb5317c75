package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/logs"
	"github.com/elskow/buildshuttle/internal/pipeline"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
	"github.com/elskow/buildshuttle/internal/server"
)

const closeTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

// run executes the build described by PAYLOAD and returns the process exit
// code the supervising service classifies.
func run() (code int) {
	logger, err := server.NewLogger(server.Environment())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return types.ExitUncaught
	}
	defer logger.Sync()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("uncaught failure in build worker", zap.Any("panic", r))
			code = types.ExitUncaught
		}
	}()

	var workerEnv config.WorkerEnv
	if err := env.Parse(&workerEnv); err != nil {
		logger.Error("invalid worker environment", zap.Error(err))
		return types.ExitUncaught
	}

	req, err := types.DecodePayload(workerEnv.Payload)
	if err != nil {
		logger.Error("invalid build payload", zap.Error(err))
		return types.ExitUncaught
	}
	logger = logger.With(zap.String("identity", req.Identity()), zap.String("build_uuid", req.BuildUUID))

	var (
		executor *pipeline.Executor
		mux      *logs.Multiplexer
	)
	app := fx.New(
		fx.Supply(&workerEnv, logger),
		pipeline.Module(),
		fx.Populate(&executor, &mux),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	if err := app.Err(); err != nil {
		logger.Error("failed to assemble build worker", zap.Error(err))
		return types.ExitUncaught
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		logger.Error("failed to start build worker", zap.Error(err))
		return types.ExitUncaught
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warn("build worker did not stop cleanly", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	if timeout := workerEnv.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sink, err := mux.Open(ctx, req)
	if err != nil {
		logger.Error("failed to open build log", zap.Error(err))
		return types.ExitUncaught
	}

	buildErr := executor.Execute(ctx, req, sink)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if timedOut {
		_ = sink.Send(context.Background(), types.StreamEvent("Build timed out after %s", workerEnv.Timeout()))
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	if err := sink.Close(closeCtx); err != nil {
		logger.Warn("failed to flush build log", zap.Error(err))
	}

	switch {
	case timedOut:
		logger.Warn("build timed out", zap.Duration("timeout", workerEnv.Timeout()))
		return types.ExitTimeout
	case buildErr != nil:
		logger.Error("build failed", zap.Error(buildErr))
		return types.ExitPipelineError
	default:
		logger.Info("build succeeded")
		return types.ExitSuccess
	}
}
