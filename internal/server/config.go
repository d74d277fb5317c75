package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/elskow/buildshuttle/internal/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Legacy variable names, bound in addition to the SECTION_KEY names
// AutomaticEnv derives.
var legacyEnv = map[string]string{
	"server.port":            "PORT",
	"server.show_build_logs": "SHOW_BUILD_LOGS",
	"server.test_mode":       "TEST_MODE",
	"storage.bucket":         "S3_BUCKET",
	"storage.region":         "S3_REGION",
	"storage.access_key":     "S3_ACCESS_KEY",
	"storage.secret_key":     "S3_SECRET_KEY",
	"storage.endpoint":       "S3_ENDPOINT",
	"worker.timeout_ms":      "TIMEOUT_IN_MS",
	"worker.kubernetes":      "RUN_ON_KUBERNETES",
	"worker.namespace":       "KUBERNETES_NAMESPACE",
	"worker.log_topic":       "KAFKA_TOPIC",
	"auth.jwt_secret":        "AUTH_JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "9000")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.show_build_logs", false)
	v.SetDefault("server.test_mode", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiration", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "buildshuttle")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.driver", "s3")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.root", "/tmp/archives")

	v.SetDefault("worker.kubernetes", false)
	v.SetDefault("worker.image", "akkeris/buildshuttle:latest")
	v.SetDefault("worker.command", []string{"/usr/bin/buildshuttle-worker"})
	v.SetDefault("worker.namespace", "akkeris-system")
	v.SetDefault("worker.kubeconfig", "")
	v.SetDefault("worker.service_account", "")
	v.SetDefault("worker.timeout_ms", 20*60*1000)
	v.SetDefault("worker.poll_interval", 100*time.Millisecond)
	v.SetDefault("worker.max_poll_count", 600)
	v.SetDefault("worker.cpu_shares", 512)
	v.SetDefault("worker.memory_bytes", 1<<30)
	v.SetDefault("worker.docker_socket", "/var/run/docker.sock")
	v.SetDefault("worker.resolv_conf", "/etc/resolv.conf")
	v.SetDefault("worker.node_role_key", "akkeris.io/node-role")
	v.SetDefault("worker.node_role_value", "build")
	v.SetDefault("worker.reap_interval", time.Minute)
	v.SetDefault("worker.reap_grace", 5*time.Minute)
	v.SetDefault("worker.log_topic", "")

	v.SetDefault("notify.timeout", 10*time.Second)
}

// LoadConfig reads ./config/server/config.toml when present, then the
// environment.
func LoadConfig() (*config.AppConfig, error) {
	return loadConfig("./config/server")
}

func loadConfig(paths ...string) (*config.AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), name); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", name, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Environment returns APP_ENV, defaulting to development.
func Environment() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return EnvDevelopment
}
