package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codesandbox/internal/common/cache"
	"codesandbox/internal/common/http/middleware"
	"codesandbox/internal/common/mq"
	"codesandbox/internal/common/storage"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/backend/container"
	"codesandbox/internal/sandbox/backend/native"
	"codesandbox/internal/sandbox/datapack"
	"codesandbox/internal/sandbox/process"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/security"
	"codesandbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 2 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultQueueWait       = 10 * time.Second
	defaultMetricsPrefix   = "sandbox"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MetricsNamespace prefixes every Prometheus metric.
	MetricsNamespace string `yaml:"metricsNamespace"`
}

// QuotaConfig holds the optional Redis-backed per-caller quota.
type QuotaConfig struct {
	middleware.QuotaPolicy `yaml:",inline"`

	Enabled bool              `yaml:"enabled"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// StorageConfig holds the optional object store that queued submissions may
// reference their source and input packs in.
type StorageConfig struct {
	datapack.Config `yaml:",inline"`

	Enabled bool                `yaml:"enabled"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
}

// KafkaConfig holds the optional asynchronous intake.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`

	Enabled         bool          `yaml:"enabled"`
	SubmissionTopic string        `yaml:"submissionTopic"`
	VerdictTopic    string        `yaml:"verdictTopic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	MessageTTL      time.Duration `yaml:"messageTTL"`
	PublishTimeout  time.Duration `yaml:"publishTimeout"`
}

// WorkerConfig bounds concurrent submissions across HTTP and Kafka.
type WorkerConfig struct {
	PoolSize int `yaml:"poolSize"`
	// QueueWait is how long a submission waits for a free slot before it is
	// rejected as busy.
	QueueWait time.Duration `yaml:"queueWait"`
	// Timeout bounds one whole submission; zero leaves it to the per-case limits.
	Timeout time.Duration `yaml:"timeout"`
}

// WorkspaceConfig holds where submission directories are created.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// NativeConfig holds process isolation settings for the native backend.
type NativeConfig struct {
	HelperPath       string `yaml:"helperPath"`
	EnableSeccomp    bool   `yaml:"enableSeccomp"`
	EnableNamespaces bool   `yaml:"enableNamespaces"`
	EnableCgroup     bool   `yaml:"enableCgroup"`
	CgroupRoot       string `yaml:"cgroupRoot"`
	OutputLimitBytes int64  `yaml:"outputLimitBytes"`
	EnableNetwork    bool   `yaml:"enableNetwork"`
}

// SandboxConfig selects the backend and bounds requests.
type SandboxConfig struct {
	sandbox.Config `yaml:",inline"`

	// Backend is native or docker.
	Backend string       `yaml:"backend"`
	Native  NativeConfig `yaml:"native"`
}

// ContainerConfig holds docker backend settings.
type ContainerConfig struct {
	Host             string `yaml:"host"`
	DefaultImage     string `yaml:"defaultImage"`
	PullImages       bool   `yaml:"pullImages"`
	NanoCPUs         int64  `yaml:"nanoCpus"`
	User             string `yaml:"user"`
	ToolchainDir     string `yaml:"toolchainDir"`
	OutputLimitBytes int64  `yaml:"outputLimitBytes"`
	EnableNetwork    bool   `yaml:"enableNetwork"`
	// ApplySeccomp replaces the daemon's seccomp profile with one derived
	// from the security policy.
	ApplySeccomp bool `yaml:"applySeccomp"`
}

// LanguageConfig overrides or extends the built-in languages by id.
type LanguageConfig struct {
	Languages []profile.LanguageSpec `yaml:"languages"`
}

// AppConfig holds sandbox-server config.
type AppConfig struct {
	Server    ServerConfig               `yaml:"server"`
	Logger    logger.Config              `yaml:"logger"`
	Auth      middleware.AuthConfig      `yaml:"auth"`
	RateLimit middleware.RateLimitPolicy `yaml:"rateLimit"`
	Quota     QuotaConfig                `yaml:"quota"`
	Kafka     KafkaConfig                `yaml:"kafka"`
	Storage   StorageConfig              `yaml:"storage"`
	Worker    WorkerConfig               `yaml:"worker"`
	Workspace WorkspaceConfig            `yaml:"workspace"`
	Sandbox   SandboxConfig              `yaml:"sandbox"`
	Security  security.Config            `yaml:"security"`
	Container ContainerConfig            `yaml:"container"`
	Language  LanguageConfig             `yaml:"language"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Server.MetricsNamespace == "" {
		cfg.Server.MetricsNamespace = defaultMetricsPrefix
	}

	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Worker.QueueWait == 0 {
		cfg.Worker.QueueWait = defaultQueueWait
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "codesandbox")
	}

	cfg.Sandbox.Backend = strings.ToLower(cfg.Sandbox.Backend)
	switch cfg.Sandbox.Backend {
	case "":
		cfg.Sandbox.Backend = native.Name
	case native.Name, container.Name:
	default:
		return fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.Native.EnableCgroup && cfg.Sandbox.Native.CgroupRoot == "" {
		return fmt.Errorf("sandbox.native.cgroupRoot is required when cgroups are enabled")
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
		if cfg.Kafka.SubmissionTopic == "" {
			cfg.Kafka.SubmissionTopic = "sandbox.submissions"
		}
		if cfg.Kafka.VerdictTopic == "" {
			cfg.Kafka.VerdictTopic = "sandbox.verdicts"
		}
		if cfg.Kafka.ConsumerGroup == "" {
			cfg.Kafka.ConsumerGroup = "sandbox-workers"
		}
		if cfg.Kafka.Concurrency <= 0 {
			cfg.Kafka.Concurrency = cfg.Worker.PoolSize
		}
		if cfg.Kafka.ClientID == "" {
			cfg.Kafka.ClientID = "sandbox-server"
		}
	}

	if cfg.Quota.Enabled {
		if cfg.Quota.Redis.Addr == "" {
			return fmt.Errorf("quota.redis.addr is required when the quota is enabled")
		}
		if cfg.Quota.Max <= 0 {
			return fmt.Errorf("quota.max must be positive when the quota is enabled")
		}
	}

	if cfg.Storage.Enabled {
		if !cfg.Kafka.Enabled {
			return fmt.Errorf("storage references are only read from kafka submissions; enable kafka")
		}
		if cfg.Storage.MinIO.Endpoint == "" || cfg.Storage.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.bucket are required")
		}
	}
	return nil
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetterTopic,
		MessageTTL:      k.MessageTTL,
	}
}

func (n NativeConfig) toProcessConfig(iso security.IsolationProfile) process.Config {
	return process.Config{
		HelperPath:       n.HelperPath,
		EnableSeccomp:    n.EnableSeccomp,
		EnableNamespaces: n.EnableNamespaces,
		EnableCgroup:     n.EnableCgroup,
		CgroupRoot:       n.CgroupRoot,
		OutputLimitBytes: n.OutputLimitBytes,
		Isolation:        iso,
	}
}

func (c ContainerConfig) toOptions(iso security.IsolationProfile) container.Options {
	opts := container.Options{
		DefaultImage:     c.DefaultImage,
		PullImages:       c.PullImages,
		NanoCPUs:         c.NanoCPUs,
		User:             c.User,
		ToolchainDir:     c.ToolchainDir,
		OutputLimitBytes: c.OutputLimitBytes,
		EnableNetwork:    c.EnableNetwork,
	}
	if c.ApplySeccomp {
		opts.Isolation = &iso
	}
	return opts
}
