package config

import "time"

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ShowBuildLogs   bool          `mapstructure:"show_build_logs"`
	TestMode        bool          `mapstructure:"test_mode"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig is shared by the accepting process (viper) and the worker
// process (env), hence both tag sets.
type StorageConfig struct {
	Driver    string `mapstructure:"driver" env:"STORAGE_DRIVER" envDefault:"s3"`
	Bucket    string `mapstructure:"bucket" env:"S3_BUCKET"`
	Region    string `mapstructure:"region" env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint  string `mapstructure:"endpoint" env:"S3_ENDPOINT"`
	AccessKey string `mapstructure:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey string `mapstructure:"secret_key" env:"S3_SECRET_KEY"`
	Root      string `mapstructure:"root" env:"STORAGE_ROOT" envDefault:"/tmp/archives"`
}

type WorkerConfig struct {
	Kubernetes     bool          `mapstructure:"kubernetes"`
	Image          string        `mapstructure:"image"`
	Command        []string      `mapstructure:"command"`
	Namespace      string        `mapstructure:"namespace"`
	Kubeconfig     string        `mapstructure:"kubeconfig"`
	ServiceAccount string        `mapstructure:"service_account"`
	TimeoutMs      int           `mapstructure:"timeout_ms"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxPollCount   int           `mapstructure:"max_poll_count"`
	CPUShares      int64         `mapstructure:"cpu_shares"`
	MemoryBytes    int64         `mapstructure:"memory_bytes"`
	DockerSocket   string        `mapstructure:"docker_socket"`
	ResolvConf     string        `mapstructure:"resolv_conf"`
	NodeRoleKey    string        `mapstructure:"node_role_key"`
	NodeRoleValue  string        `mapstructure:"node_role_value"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	ReapGrace      time.Duration `mapstructure:"reap_grace"`
	LogTopic       string        `mapstructure:"log_topic"`
}

// Timeout is the wall-clock budget of one execution unit.
func (c *WorkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type NotifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// WorkerEnv is the environment of the build worker process. It is the
// accepting process's environment re-exported plus PAYLOAD.
type WorkerEnv struct {
	Payload        string        `env:"PAYLOAD,required"`
	TimeoutMs      int           `env:"TIMEOUT_IN_MS" envDefault:"1200000"`
	NoCache        bool          `env:"NO_CACHE"`
	TestMode       bool          `env:"TEST_MODE"`
	ExtraBuildArgs string        `env:"EXTRA_BUILD_ARGS"`
	Topic          string        `env:"KAFKA_TOPIC" envDefault:"alamobuildlogs"`
	StagingDir     string        `env:"STAGING_DIR" envDefault:"/tmp"`
	FlushInterval  time.Duration `env:"LOG_FLUSH_INTERVAL" envDefault:"2s"`
	Storage        StorageConfig
}

func (e *WorkerEnv) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}
