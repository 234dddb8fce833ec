package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/crosspost-io/crosspost/internal/queue"
	"github.com/crosspost-io/crosspost/pkg/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Logger     logger.Config    `yaml:"logger"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Publisher  PublisherConfig  `yaml:"publisher"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AuthConfig struct {
	// TOTPSecret guards the API when set; empty disables auth.
	TOTPSecret string `yaml:"totp_secret"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	// Driver selects the queue backend: postgres, redis or memory.
	Driver      string  `yaml:"driver"`
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	MaxDelay    string  `yaml:"max_delay"`
	Jitter      float64 `yaml:"jitter"`
	LeaseTTL    string  `yaml:"lease_ttl"`
}

// RetryPolicy parses the duration fields into the queue's retry policy.
func (q QueueConfig) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: q.MaxAttempts,
		BaseDelay:   parseDuration(q.BaseDelay),
		MaxDelay:    parseDuration(q.MaxDelay),
		Jitter:      q.Jitter,
	}
}

func (q QueueConfig) Lease() time.Duration {
	return parseDuration(q.LeaseTTL)
}

type DispatcherConfig struct {
	Workers            int    `yaml:"workers"`
	PollInterval       string `yaml:"poll_interval"`
	PublishConcurrency int    `yaml:"publish_concurrency"`
}

func (d DispatcherConfig) Poll() time.Duration {
	return parseDuration(d.PollInterval)
}

type PublisherConfig struct {
	Mastodon MastodonConfig `yaml:"mastodon"`
	// Stubs are platform names registered with the NotImplemented adapter
	// so posts can target them before a real adapter lands.
	Stubs []string `yaml:"stubs"`
}

type MastodonConfig struct {
	Enabled bool `yaml:"enabled"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5380
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "postgres"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.BaseDelay == "" {
		cfg.Queue.BaseDelay = "30s"
	}
	if cfg.Queue.MaxDelay == "" {
		cfg.Queue.MaxDelay = "30m"
	}
	if cfg.Queue.LeaseTTL == "" {
		cfg.Queue.LeaseTTL = "5m"
	}
	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 5
	}
	if cfg.Dispatcher.PollInterval == "" {
		cfg.Dispatcher.PollInterval = "1s"
	}
	if cfg.Dispatcher.PublishConcurrency == 0 {
		cfg.Dispatcher.PublishConcurrency = 10
	}

	return cfg, nil
}

func parseDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}
