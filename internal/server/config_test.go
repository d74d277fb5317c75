package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 20*60*1000, cfg.Worker.TimeoutMs)
	assert.Equal(t, 20*time.Minute, cfg.Worker.Timeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "akkeris.io/node-role", cfg.Worker.NodeRoleKey)
	assert.Equal(t, "/tmp/archives", cfg.Storage.Root)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadConfig_LegacyEnvironment(t *testing.T) {
	t.Setenv("PORT", "5000")
	t.Setenv("S3_BUCKET", "builds")
	t.Setenv("TIMEOUT_IN_MS", "60000")
	t.Setenv("RUN_ON_KUBERNETES", "true")
	t.Setenv("KUBERNETES_NAMESPACE", "builds")
	t.Setenv("KAFKA_TOPIC", "buildlogs")
	t.Setenv("SHOW_BUILD_LOGS", "true")
	t.Setenv("DATABASE_HOST", "db.internal")

	cfg, err := loadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Server.Port)
	assert.Equal(t, "builds", cfg.Storage.Bucket)
	assert.Equal(t, time.Minute, cfg.Worker.Timeout())
	assert.True(t, cfg.Worker.Kubernetes)
	assert.Equal(t, "builds", cfg.Worker.Namespace)
	assert.Equal(t, "buildlogs", cfg.Worker.LogTopic)
	assert.True(t, cfg.Server.ShowBuildLogs)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	toml := `
[server]
port = "7000"

[worker]
image = "registry.example.com/buildshuttle:2"
reap_grace = "10m"

[database]
enabled = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0644))

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "registry.example.com/buildshuttle:2", cfg.Worker.Image)
	assert.Equal(t, 10*time.Minute, cfg.Worker.ReapGrace)
	assert.True(t, cfg.Database.Enabled)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[server\n"), 0644))

	_, err := loadConfig(dir)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{EnvDevelopment, EnvProduction, EnvTesting, ""} {
		logger, err := NewLogger(env)
		require.NoError(t, err, env)
		assert.NotNil(t, logger)
	}

	_, err := NewLogger("staging")
	assert.Error(t, err)
}
