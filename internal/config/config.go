package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds process-wide settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

// NATSConfig holds connection settings for the JetStream cluster
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ObjectBucket   string        `mapstructure:"object_bucket"`
}

// ExecutorConfig defines configuration for the executor
type ExecutorConfig struct {
	ID                string        `mapstructure:"id"`
	Runtime           string        `mapstructure:"runtime"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RedeliveryDelay   time.Duration `mapstructure:"redelivery_delay"`
	MaxDeliver        int           `mapstructure:"max_deliver"`
	LogDir            string        `mapstructure:"log_dir"`
	MaxLogSize        int64         `mapstructure:"max_log_size"`
	MaxLogAge         time.Duration `mapstructure:"max_log_age"`
}

// WorkspaceConfig controls where workspaces live and what happens after collection
type WorkspaceConfig struct {
	Root         string        `mapstructure:"root"`
	ArtifactRoot string        `mapstructure:"artifact_root"`
	MinFreeBytes uint64        `mapstructure:"min_free_bytes"`
	Retain       bool          `mapstructure:"retain"`
	Retention    time.Duration `mapstructure:"retention"`
}

// ProxyConfig configures the service proxy gateway
type ProxyConfig struct {
	Listen         string        `mapstructure:"listen"`
	AdvertiseURL   string        `mapstructure:"advertise_url"`
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
}

// ServiceConfig describes a backing platform service reachable through the gateway
type ServiceConfig struct {
	URL        string `mapstructure:"url"`
	HealthPath string `mapstructure:"health_path"`
}

// OperationConfig is the orchestrator-defined policy for one operation tag
type OperationConfig struct {
	Image    string   `mapstructure:"image"`
	Command  []string `mapstructure:"command"`
	Services []string `mapstructure:"services"`
}

// StorageConfig configures execution history persistence
type StorageConfig struct {
	DBPath           string        `mapstructure:"db_path"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// DockerConfig configures the docker runtime
type DockerConfig struct {
	Network         string `mapstructure:"network"`
	InternalNetwork bool   `mapstructure:"internal_network"`
	Memory          int64  `mapstructure:"memory"`
}

// MinioConfig configures the optional S3-compatible artifact store
type MinioConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	ArchiveBucket string `mapstructure:"archive_bucket"`
}

// JanitorConfig configures periodic cleanup
type JanitorConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// Config is the full execd configuration
type Config struct {
	App        AppConfig                  `mapstructure:"app"`
	NATS       NATSConfig                 `mapstructure:"nats"`
	Executor   ExecutorConfig             `mapstructure:"executor"`
	Workspace  WorkspaceConfig            `mapstructure:"workspace"`
	Proxy      ProxyConfig                `mapstructure:"proxy"`
	Services   map[string]ServiceConfig   `mapstructure:"services"`
	Operations map[string]OperationConfig `mapstructure:"operations"`
	Storage    StorageConfig              `mapstructure:"storage"`
	Docker     DockerConfig               `mapstructure:"docker"`
	Minio      MinioConfig                `mapstructure:"minio"`
	Janitor    JanitorConfig              `mapstructure:"janitor"`
}

// SetDefaults registers a default for every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "execd")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.development", false)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.object_bucket", "execd-artifacts")

	v.SetDefault("executor.id", "executor-1")
	v.SetDefault("executor.runtime", "docker")
	v.SetDefault("executor.max_concurrent", 10)
	v.SetDefault("executor.default_timeout", 300*time.Second)
	v.SetDefault("executor.stop_grace", 10*time.Second)
	v.SetDefault("executor.heartbeat_interval", 5*time.Second)
	v.SetDefault("executor.redelivery_delay", 5*time.Second)
	v.SetDefault("executor.max_deliver", 5)
	v.SetDefault("executor.log_dir", "./logs/executions")
	v.SetDefault("executor.max_log_size", 100*1024*1024)
	v.SetDefault("executor.max_log_age", 7*24*time.Hour)

	v.SetDefault("workspace.root", "/tmp/execd/workspaces")
	v.SetDefault("workspace.artifact_root", "/tmp/execd/artifacts")
	v.SetDefault("workspace.min_free_bytes", 512*1024*1024)
	v.SetDefault("workspace.retain", false)
	v.SetDefault("workspace.retention", 24*time.Hour)

	v.SetDefault("proxy.listen", ":9000")
	v.SetDefault("proxy.advertise_url", "http://host.docker.internal:9000")
	v.SetDefault("proxy.forward_timeout", 5*time.Second)
	v.SetDefault("proxy.health_timeout", 2*time.Second)
	v.SetDefault("proxy.rate_limit", 20.0)
	v.SetDefault("proxy.burst", 40)

	v.SetDefault("storage.db_path", "execution_history.db")
	v.SetDefault("storage.history_retention", 30*24*time.Hour)

	v.SetDefault("docker.network", "bridge")
	v.SetDefault("docker.internal_network", false)

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.archive_bucket", "execd-output")

	v.SetDefault("janitor.schedule", "0 */10 * * * *")
}

// Load reads execd.yaml (if present), environment overrides and defaults.
// An explicit path that cannot be read is an error; a missing default file is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("EXECD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("execd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/execd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the executor cannot run with
func (c *Config) Validate() error {
	if c.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor.max_concurrent must be positive")
	}
	if c.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("executor.default_timeout must be positive")
	}
	if c.Proxy.ForwardTimeout <= 0 || c.Proxy.HealthTimeout <= 0 {
		return fmt.Errorf("proxy timeouts must be bounded")
	}
	switch c.Executor.Runtime {
	case "docker", "process":
	default:
		return fmt.Errorf("unknown runtime %q", c.Executor.Runtime)
	}
	if c.Docker.InternalNetwork {
		switch c.Docker.Network {
		case "", "bridge", "host", "none":
			return fmt.Errorf("docker.internal_network needs a dedicated network, got %q", c.Docker.Network)
		}
	}
	for name, svc := range c.Services {
		if svc.URL == "" {
			return fmt.Errorf("service %q has no url", name)
		}
	}
	return nil
}
