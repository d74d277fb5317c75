package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/auth"
	"github.com/elskow/buildshuttle/internal/buildrecord"
	"github.com/elskow/buildshuttle/internal/config"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
	"github.com/elskow/buildshuttle/internal/pipeline/validator"
)

const testBuildUUID = "5e3a0e60-9a5c-4a7e-8d7a-59f0a2b8b0c1"

type mockBuilds struct {
	mu         sync.Mutex
	submitted  []*types.BuildRequest
	stopped    []string
	records    map[string]*buildrecord.Record
	logs       string
	shouldFail bool
}

func (m *mockBuilds) Submit(ctx context.Context, req *types.BuildRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail {
		return errors.New("mock provisioning error")
	}
	m.submitted = append(m.submitted, req)
	return nil
}

func (m *mockBuilds) Stop(ctx context.Context, appKey string, buildNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail {
		return errors.New("mock stop error")
	}
	m.stopped = append(m.stopped, types.Identity(appKey, buildNumber))
	return nil
}

func (m *mockBuilds) Status(ctx context.Context, appKey string, buildNumber int) (*buildrecord.Record, error) {
	rec, ok := m.records[types.Identity(appKey, buildNumber)]
	if !ok {
		return nil, buildrecord.ErrRecordNotFound
	}
	return rec, nil
}

func (m *mockBuilds) Logs(ctx context.Context, appKey string, buildNumber int) (string, error) {
	return m.logs, nil
}

type serverFixture struct {
	srv    *httptest.Server
	builds *mockBuilds
	store  *artifact.FileStore
	auth   *auth.Service
}

func setupServer(t *testing.T, secret string) *serverFixture {
	t.Helper()

	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: "0"},
		Auth:   config.AuthConfig{JWTSecret: secret, TokenExpiration: time.Hour},
	}
	svc := auth.NewService(&cfg.Auth, zap.NewNop())
	builds := &mockBuilds{records: make(map[string]*buildrecord.Record)}

	s := NewServer(Params{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Guard:     auth.NewGuard(svc, zap.NewNop()),
		Builds:    builds,
		Store:     store,
		Validator: validator.NewRequestValidator(),
		Gatherer:  prometheus.NewRegistry(),
	})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, builds: builds, store: store, auth: svc}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func validRequestJSON() string {
	return `{
		"app": "api",
		"app_uuid": "0b6b6c39",
		"space": "default",
		"build_number": 7,
		"build_uuid": "` + testBuildUUID + `",
		"sources": "https://example.com/src.tgz",
		"gm_registry_host": "registry.example.com",
		"gm_registry_repo": "apps",
		"callback": "https://example.com/hook"
	}`
}

func TestServer_HealthCheck(t *testing.T) {
	f := setupServer(t, "")
	resp := f.do(t, http.MethodGet, "/octhc", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "overall_status=good", readBody(t, resp))
}

func TestServer_Submit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		shouldFail bool
		wantStatus int
		wantCount  int
	}{
		{name: "accepted", body: validRequestJSON(), wantStatus: http.StatusOK, wantCount: 1},
		{name: "malformed json", body: `{"app":`, wantStatus: http.StatusBadRequest},
		{
			name:       "invalid build uuid",
			body:       strings.Replace(validRequestJSON(), testBuildUUID, "not-a-uuid", 1),
			wantStatus: http.StatusBadRequest,
		},
		{name: "provisioning failure", body: validRequestJSON(), shouldFail: true, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupServer(t, "")
			f.builds.shouldFail = tt.shouldFail

			resp := f.do(t, http.MethodPost, "/", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Len(t, f.builds.submitted, tt.wantCount)

			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
				assert.Equal(t, "api-0b6b6c39-7", f.builds.submitted[0].Identity())
			}
		})
	}
}

func TestServer_Source(t *testing.T) {
	f := setupServer(t, "")
	payload := []byte("\x1f\x8b fake archive bytes")
	require.NoError(t, f.store.Write(context.Background(), testBuildUUID,
		artifact.Bytes(payload).WithContentType("application/gzip")))

	resp := f.do(t, http.MethodHead, "/"+testBuildUUID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(payload)), resp.ContentLength)

	resp = f.do(t, http.MethodGet, "/"+testBuildUUID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(payload), readBody(t, resp))

	missing := "0d1c7f3e-1f2a-4b7c-9d3e-2a1b0c9d8e7f"
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodHead, "/"+missing, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/"+missing, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api-0b6b6c39-7.logs", "").StatusCode)

	resp = f.do(t, http.MethodDelete, "/"+testBuildUUID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
}

func TestServer_Stop(t *testing.T) {
	f := setupServer(t, "")

	resp := f.do(t, http.MethodDelete, "/api-0b6b6c39/7", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"api-0b6b6c39-7"}, f.builds.stopped)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api-0b6b6c39/seven", "").StatusCode)

	f.builds.shouldFail = true
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodDelete, "/api-0b6b6c39/7", "").StatusCode)
}

func TestServer_Logs(t *testing.T) {
	f := setupServer(t, "")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api-0b6b6c39/7/logs", "").StatusCode)

	f.builds.logs = "Step 1/2 : FROM alpine\n"
	resp := f.do(t, http.MethodGet, "/api-0b6b6c39/7/logs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Step 1/2 : FROM alpine\n", readBody(t, resp))

	require.NoError(t, f.store.Write(context.Background(), types.LogKey("api-0b6b6c39", 7),
		artifact.Bytes([]byte("Successfully built abc\n"))))
	resp = f.do(t, http.MethodGet, "/api-0b6b6c39/7/logs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Successfully built abc\n", readBody(t, resp))
}

func TestServer_Status(t *testing.T) {
	f := setupServer(t, "")
	f.builds.records["api-0b6b6c39-7"] = &buildrecord.Record{
		Identity:    "api-0b6b6c39-7",
		BuildNumber: 7,
		Status:      types.BuildStatusPending,
	}

	resp := f.do(t, http.MethodGet, "/api-0b6b6c39/7/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, statusResponse{ID: 7, Status: types.BuildStatusPending, Building: true, Type: "buildshuttle"}, got)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api-0b6b6c39/8/status", "").StatusCode)
}

func TestServer_Auth(t *testing.T) {
	f := setupServer(t, "test-secret-key")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/octhc", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/", validRequestJSON()).StatusCode)

	token, err := f.auth.GenerateToken("controller")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/", strings.NewReader(validRequestJSON()))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UnknownRoute(t *testing.T) {
	f := setupServer(t, "")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/a/b/c/d", "").StatusCode)
}
