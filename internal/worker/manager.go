package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/elskow/buildshuttle/internal/buildrecord"
	"github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/notify"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

// DefaultTimeout applies when no worker timeout is configured.
const DefaultTimeout = 20 * time.Minute

// Variables of the accepting host that make no sense inside a unit.
var hostOnlyEnv = map[string]bool{
	"HOME":     true,
	"HOSTNAME": true,
	"PATH":     true,
	"PWD":      true,
	"SHLVL":    true,
	"TERM":     true,
}

type unit struct {
	handle   *Handle
	req      *types.BuildRequest
	seq      *notify.Sequence
	recordID uint
	stopped  atomic.Bool
}

// Manager owns the execution units of this process: at most one per
// identity. Every accepted request gets one pending and one terminal
// callback.
type Manager struct {
	backend  Backend
	notifier *notify.Notifier
	records  buildrecord.Repository
	metrics  *MetricsCollector
	cfg      *config.AppConfig
	logger   *zap.Logger

	mu    sync.Mutex
	units map[string]*unit
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(
	backend Backend,
	notifier *notify.Notifier,
	records buildrecord.Repository,
	metrics *MetricsCollector,
	cfg *config.AppConfig,
	logger *zap.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		backend:  backend,
		notifier: notifier,
		records:  records,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		units:    make(map[string]*unit),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit provisions the execution unit for req, replacing any unit with the
// same identity. Supervision continues in the background after it returns.
func (m *Manager) Submit(ctx context.Context, req *types.BuildRequest) error {
	identity := req.Identity()
	log := m.logger.With(
		zap.String("identity", identity),
		zap.String("build_uuid", req.BuildUUID),
		zap.String("backend", string(m.backend.Kind())))

	seq := m.notifier.Sequence(notify.Target{URL: req.Callback, Auth: req.CallbackAuth}, req.BuildNumber)
	seq.Pending()

	rec := &buildrecord.Record{
		BuildUUID:   req.BuildUUID,
		Identity:    identity,
		AppKey:      req.AppKey(),
		BuildNumber: req.BuildNumber,
		Backend:     string(m.backend.Kind()),
		Status:      types.BuildStatusPending,
		StartedAt:   time.Now(),
	}
	if err := m.records.Create(ctx, rec); err != nil {
		log.Warn("failed to record build", zap.Error(err))
	}

	fail := func(err error) error {
		log.Error("unable to provision worker", zap.Error(err))
		seq.Terminal(types.BuildStatusFailed)
		m.finishRecord(rec.ID, types.BuildStatusFailed, nil)
		return err
	}

	m.supersede(identity)
	if err := m.backend.Teardown(ctx, identity); err != nil {
		return fail(fmt.Errorf("failed to remove previous worker: %w", err))
	}

	payload, err := types.EncodePayload(req)
	if err != nil {
		return fail(err)
	}

	h, err := m.backend.Create(ctx, Spec{
		Identity: identity,
		Env:      m.workerEnv(payload),
		Timeout:  m.timeout(),
	})
	if err != nil {
		return fail(fmt.Errorf("failed to provision worker: %w", err))
	}

	u := &unit{handle: h, req: req, seq: seq, recordID: rec.ID}
	m.mu.Lock()
	m.units[identity] = u
	m.mu.Unlock()

	m.metrics.StartBuild(req.BuildUUID, h.Kind)
	log.Info("worker provisioned", zap.String("unit", h.ID), zap.Time("deadline", h.Deadline))

	m.wg.Add(1)
	go m.supervise(u)
	return nil
}

func (m *Manager) supervise(u *unit) {
	defer m.wg.Done()

	h := u.handle
	log := m.logger.With(zap.String("identity", h.Identity), zap.String("build_uuid", u.req.BuildUUID))

	out := &zapio.Writer{Log: log, Level: m.outputLevel()}
	res, err := h.Await(m.ctx, out)
	out.Close()

	if m.ctx.Err() != nil {
		log.Info("shutting down, worker left running", zap.String("unit", h.ID))
		m.release(u)
		return
	}

	status := classify(u.stopped.Load(), res, err)
	if err != nil && !errors.Is(err, ErrUnitGone) {
		log.Error("worker supervision failed", zap.Error(err))
	}
	log.Info("build finished",
		zap.String("status", string(status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(h.StartedAt)))

	m.release(u)
	u.seq.Terminal(status)

	var exitCode *int
	if err == nil && !res.TimedOut {
		code := res.ExitCode
		exitCode = &code
	}
	m.finishRecord(u.recordID, status, exitCode)
	m.metrics.EndBuild(u.req.BuildUUID, h.Kind, status)
}

// classify maps the raw outcome of a unit to a terminal status. A requested
// stop wins over whatever the unit reported.
func classify(stopped bool, res Result, err error) types.BuildStatus {
	switch {
	case stopped:
		return types.BuildStatusStopped
	case err != nil:
		return types.BuildStatusFailed
	case res.TimedOut, res.ExitCode == types.ExitTimeout:
		return types.BuildStatusTimeout
	case res.ExitCode == types.ExitSuccess:
		return types.BuildStatusSucceeded
	default:
		return types.BuildStatusFailed
	}
}

// Stop removes the unit of a build without waiting for its supervision to
// end. Stopping an unknown or finished build is not an error.
func (m *Manager) Stop(ctx context.Context, appKey string, buildNumber int) error {
	identity := types.Identity(appKey, buildNumber)
	m.supersede(identity)

	if err := m.backend.Stop(ctx, identity); err != nil {
		return fmt.Errorf("failed to stop build %s: %w", identity, err)
	}
	m.logger.Info("build stop requested", zap.String("identity", identity))
	return nil
}

func (m *Manager) Status(ctx context.Context, appKey string, buildNumber int) (*buildrecord.Record, error) {
	return m.records.GetByIdentity(ctx, types.Identity(appKey, buildNumber))
}

// Logs returns the output the backend still holds for a build.
func (m *Manager) Logs(ctx context.Context, appKey string, buildNumber int) (string, error) {
	return m.backend.FetchLogs(ctx, types.Identity(appKey, buildNumber))
}

// Owns reports whether identity is supervised by this process.
func (m *Manager) Owns(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.units[identity]
	return ok
}

// Shutdown stops supervising. Running units are left to finish on their
// own and no terminal callbacks are sent for them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) supersede(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.units[identity]; ok {
		prev.stopped.Store(true)
	}
}

func (m *Manager) release(u *unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.units[u.handle.Identity] == u {
		delete(m.units, u.handle.Identity)
	}
}

func (m *Manager) finishRecord(id uint, status types.BuildStatus, exitCode *int) {
	if id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.records.Finish(ctx, id, status, exitCode); err != nil {
		m.logger.Warn("failed to update build record",
			zap.Uint("record", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (m *Manager) timeout() time.Duration {
	if t := m.cfg.Worker.Timeout(); t > 0 {
		return t
	}
	return DefaultTimeout
}

func (m *Manager) outputLevel() zapcore.Level {
	if m.cfg.Server.ShowBuildLogs {
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// workerEnv is this process's environment, the settings the worker needs
// and the job payload, in increasing precedence.
func (m *Manager) workerEnv(payload string) []string {
	var inherited []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !hostOnlyEnv[k] {
			inherited = append(inherited, kv)
		}
	}

	s := m.cfg.Storage
	settings := []string{
		"TIMEOUT_IN_MS=" + strconv.FormatInt(m.timeout().Milliseconds(), 10),
		"TEST_MODE=" + strconv.FormatBool(m.cfg.Server.TestMode),
	}
	for k, v := range map[string]string{
		"KAFKA_TOPIC":    m.cfg.Worker.LogTopic,
		"STORAGE_DRIVER": s.Driver,
		"STORAGE_ROOT":   s.Root,
		"S3_BUCKET":      s.Bucket,
		"S3_REGION":      s.Region,
		"S3_ENDPOINT":    s.Endpoint,
		"S3_ACCESS_KEY":  s.AccessKey,
		"S3_SECRET_KEY":  s.SecretKey,
	} {
		if v != "" {
			settings = append(settings, k+"="+v)
		}
	}

	return mergeEnv(inherited, settings, []string{"PAYLOAD=" + payload})
}
