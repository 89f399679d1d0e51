package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Executors   ExecutorsConfig   `mapstructure:"executors"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type OutboxConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	PendingThreshold int64         `mapstructure:"pending_threshold"`
	DeadThreshold    int64         `mapstructure:"dead_threshold"`
	Retention        time.Duration `mapstructure:"retention"`
}

type SagaConfig struct {
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	StepAttempts  int           `mapstructure:"step_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	RetryCooldown time.Duration `mapstructure:"retry_cooldown"`
	Retention     time.Duration `mapstructure:"retention"`
}

type IdempotencyConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HotCacheTTL       time.Duration `mapstructure:"hot_cache_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
}

type ExecutorsConfig struct {
	Ledger   ExecutorConfig `mapstructure:"ledger"`
	Fraud    ExecutorConfig `mapstructure:"fraud"`
	Gateway  ExecutorConfig `mapstructure:"gateway"`
	Merchant ExecutorConfig `mapstructure:"merchant"`
}

type ExecutorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnvOverrides are the settings the worker deployment commonly overrides
// without a config file, in the FINCORE_ namespace.
type EnvOverrides struct {
	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	RedisURL         string `envconfig:"REDIS_URL"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env EnvOverrides
	if err := envconfig.Process("FINCORE", &env); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if env.DatabaseHost != "" {
		config.Database.Host = env.DatabaseHost
	}
	if env.DatabasePassword != "" {
		config.Database.Password = env.DatabasePassword
	}
	if env.RedisURL != "" {
		config.Redis.URL = env.RedisURL
	}

	return &config, nil
}
