package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elskow/buildshuttle/internal/api"
	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/auth"
	"github.com/elskow/buildshuttle/internal/buildrecord"
	"github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
	"github.com/elskow/buildshuttle/internal/pipeline/validator"
)

const maxRequestBody = 64 << 20

// Builds is the build lifecycle as seen by the HTTP surface.
type Builds interface {
	Submit(ctx context.Context, req *types.BuildRequest) error
	Stop(ctx context.Context, appKey string, buildNumber int) error
	Status(ctx context.Context, appKey string, buildNumber int) (*buildrecord.Record, error)
	Logs(ctx context.Context, appKey string, buildNumber int) (string, error)
}

type Server struct {
	config     *config.AppConfig
	log        *zap.Logger
	guard      *auth.Guard
	builds     Builds
	store      artifact.Store
	validator  validator.Validator
	gatherer   prometheus.Gatherer
	httpServer *http.Server
}

type Params struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Guard     *auth.Guard
	Builds    Builds
	Store     artifact.Store
	Validator validator.Validator
	Gatherer  prometheus.Gatherer
}

type statusResponse struct {
	ID       int               `json:"id"`
	Status   types.BuildStatus `json:"status"`
	Building bool              `json:"building"`
	Type     string            `json:"type"`
}

var (
	okResponse  = map[string]string{"status": "ok"}
	errNotFound = errors.New("unable to find requested resource")
)

func NewServer(p Params) *Server {
	s := &Server{
		config:    p.Config,
		log:       p.Logger,
		guard:     p.Guard,
		builds:    p.Builds,
		store:     p.Store,
		validator: p.Validator,
		gatherer:  p.Gatherer,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", p.Config.Server.Host, p.Config.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(s.guard.Middleware)

	r.Get(api.HealthCheck, s.handleHealthCheck)
	r.Method(http.MethodGet, api.Metrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Post(api.Root, s.handleSubmit)

	r.Head(api.Source, s.handleSourceInfo)
	r.Get(api.Source, s.handleSource)
	r.Delete(api.Source, s.handleSourceDelete)

	r.Delete(api.Build, s.handleStop)
	r.Get(api.BuildLogs, s.handleLogs)
	r.Get(api.BuildStatus, s.handleStatus)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, errNotFound)
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := zapcore.DebugLevel
		if ww.Status() >= http.StatusInternalServerError {
			level = zapcore.WarnLevel
		}
		s.log.Check(level, "request").Write(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "overall_status=good")
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.BuildRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid build request: %w", err))
		return
	}

	if err := s.validator.ValidateBuildConfig(&req); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			s.log.Info("rejected build request",
				zap.String("field", verr.Field),
				zap.String("build_uuid", req.BuildUUID))
		}
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	// Provisioning must not be cut short by the submitter hanging up.
	ctx := context.WithoutCancel(r.Context())
	if err := s.builds.Submit(ctx, &req); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleSourceInfo(w http.ResponseWriter, r *http.Request) {
	key, ok := sourceKey(w, r)
	if !ok {
		return
	}

	info, err := s.store.Stat(r.Context(), key)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.log.Error("failed to stat source", zap.String("key", key), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	setContentHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	key, ok := sourceKey(w, r)
	if !ok {
		return
	}

	obj, err := s.store.Read(r.Context(), key)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("no sources stored for %s", key))
			return
		}
		s.log.Error("failed to read source", zap.String("key", key), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer obj.Close()

	setContentHeaders(w, &obj.Info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj); err != nil {
		s.log.Warn("source stream interrupted", zap.String("key", key), zap.Error(err))
	}
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	appKey, n, ok := buildParams(w, r)
	if !ok {
		return
	}

	fields := []zap.Field{zap.String("identity", types.Identity(appKey, n))}
	if caller, err := auth.GetUserFromContext(r.Context()); err == nil {
		fields = append(fields, zap.String("caller", caller))
	}
	s.log.Info("stop requested", fields...)

	if err := s.builds.Stop(r.Context(), appKey, n); err != nil {
		s.log.Error("failed to stop build", zap.String("identity", types.Identity(appKey, n)), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	appKey, n, ok := buildParams(w, r)
	if !ok {
		return
	}

	key := types.LogKey(appKey, n)
	obj, err := s.store.Read(r.Context(), key)
	if err == nil {
		defer obj.Close()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, obj); err != nil {
			s.log.Warn("log stream interrupted", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if !errors.Is(err, artifact.ErrNotFound) {
		s.log.Error("failed to read build logs", zap.String("key", key), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	// Nothing flushed yet; the execution unit may still hold the output.
	text, err := s.builds.Logs(r.Context(), appKey, n)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if text == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no logs for %s", types.Identity(appKey, n)))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	appKey, n, ok := buildParams(w, r)
	if !ok {
		return
	}

	rec, err := s.builds.Status(r.Context(), appKey, n)
	if err != nil {
		if errors.Is(err, buildrecord.ErrRecordNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("unknown build %s", types.Identity(appKey, n)))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:       rec.BuildNumber,
		Status:   rec.Status,
		Building: rec.Building(),
		Type:     "buildshuttle",
	})
}

func sourceKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "build_uuid"))
	if err != nil {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
		} else {
			writeErr(w, http.StatusNotFound, errNotFound)
		}
		return "", false
	}
	return id.String(), true
}

func buildParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	appKey := chi.URLParam(r, "app_key")
	n, err := strconv.Atoi(chi.URLParam(r, "build_number"))
	if err != nil || n <= 0 || appKey == "" {
		writeErr(w, http.StatusBadRequest, errors.New("invalid build number"))
		return "", 0, false
	}
	return appKey, n, true
}

func setContentHeaders(w http.ResponseWriter, info *artifact.Info) {
	contentType := info.ContentType
	if contentType == "" {
		contentType = artifact.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	if info.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.ContentLength, 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) Start() error {
	s.log.Info("Starting HTTP server",
		zap.String("address", s.httpServer.Addr),
		zap.Object("config", serverConfigToField(s.config)),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func serverConfigToField(config *config.AppConfig) zapcore.ObjectMarshaler {
	return zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("environment", Environment())
		enc.AddBool("kubernetes", config.Worker.Kubernetes)
		enc.AddBool("test_mode", config.Server.TestMode)
		enc.AddBool("auth_enabled", config.Auth.JWTSecret != "")
		enc.AddBool("database_enabled", config.Database.Enabled)
		return nil
	})
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if t := s.config.Server.ShutdownTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
