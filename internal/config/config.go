// Package config provides configuration management for the blocklist services.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvironmentProduction is the only environment in which dual sign-off can
// never be bypassed.
const EnvironmentProduction = "production"

// Config holds all configuration for the server and worker processes.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	RabbitMQ       RabbitMQConfig
	Logging        LoggingConfig
	Blocklist      BlocklistConfig
	MLBF           MLBFConfig
	Signing        SigningConfig
	RemoteSettings RemoteSettingsConfig
	Queue          QueueConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	// APIKeys maps an API key to the id of the user acting through it.
	APIKeys map[string]int64
}

// DatabaseConfig contains database connection configuration.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type DatabaseConfig struct {
	Host           string
	Name           string
	User           string
	Password       string
	SSLMode        string
	Port           int
	MaxConnections int
	MinConnections int
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
}

// RedisConfig points at the Redis instance shared by the task queue and the
// block status cache.
type RedisConfig struct {
	URL string
}

// RabbitMQConfig contains RabbitMQ connection and exchange configuration.
// An empty Host disables event publishing.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type RabbitMQConfig struct {
	Host     string
	User     string
	Password string
	Exchange string
	Port     int
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string
	File  string
}

// BlocklistConfig holds the submission workflow settings.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type BlocklistConfig struct {
	Environment string
	// SignoffThreshold is the average daily users at or above which a hard
	// block needs a second reviewer.
	SignoffThreshold int64
	// AllowSelfSignoff lets the author approve their own submission. Never
	// honoured in production.
	AllowSelfSignoff bool
	// PublishConcurrency bounds how many guids of one submission are
	// published in parallel.
	PublishConcurrency int
	// BaseReplaceThreshold is the number of changed keys since the last base
	// filter above which a new base is built instead of a stash.
	BaseReplaceThreshold int
	// TaskUserID is recorded as the actor on audit entries written by
	// background tasks.
	TaskUserID int64
}

// MLBFConfig holds filter generation and storage settings.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type MLBFConfig struct {
	StoragePath string
	Retention   time.Duration
	LayerCap    int
	SaltBytes   int
	S3Bucket    string
	S3Prefix    string
	S3Region    string
}

// SigningConfig configures the signing service client. An empty URL disables
// signing; generations are then published unsigned.
type SigningConfig struct {
	URL     string
	Token   string
	KeyID   string
	Timeout time.Duration
}

// RemoteSettingsConfig configures the distribution collaborator.
type RemoteSettingsConfig struct {
	URL        string
	Bucket     string
	Collection string
	User       string
	Password   string
	Timeout    time.Duration
}

// QueueConfig configures the background task runner and its retry policy.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type QueueConfig struct {
	Concurrency      int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Jitter           float64
	PublishDueSpec   string
	GenerateSpec     string
	FilterJobTimeout time.Duration
	// MetricsPort serves /metrics from the worker. Zero disables it.
	MetricsPort int
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("APP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects combinations that must never reach a running process.
func (c *Config) Validate() error {
	if c.Blocklist.AllowSelfSignoff && c.Blocklist.Environment == EnvironmentProduction {
		return errors.New("blocklist.allowselfsignoff cannot be enabled in production")
	}
	if c.Blocklist.SignoffThreshold <= 0 {
		return fmt.Errorf("blocklist.signoffthreshold must be positive, got %d", c.Blocklist.SignoffThreshold)
	}
	if c.MLBF.SaltBytes < 16 {
		return fmt.Errorf("mlbf.saltbytes must be at least 16, got %d", c.MLBF.SaltBytes)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.maxattempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	return nil
}

// ConnString builds a libpq style connection string for pgx and migrate.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.shutdowntimeout", 30*time.Second)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "blocklist")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxconnections", 10)
	viper.SetDefault("database.minconnections", 2)
	viper.SetDefault("database.maxidletime", 10*time.Minute)
	viper.SetDefault("database.maxlifetime", 1*time.Hour)

	// Redis
	viper.SetDefault("redis.url", "redis://localhost:6379/0")

	// RabbitMQ
	viper.SetDefault("rabbitmq.host", "")
	viper.SetDefault("rabbitmq.port", 5672)
	viper.SetDefault("rabbitmq.user", "guest")
	viper.SetDefault("rabbitmq.password", "guest")
	viper.SetDefault("rabbitmq.exchange", "blocklist.events")

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")

	// Blocklist
	viper.SetDefault("blocklist.environment", "development")
	viper.SetDefault("blocklist.signoffthreshold", 100000)
	viper.SetDefault("blocklist.allowselfsignoff", false)
	viper.SetDefault("blocklist.publishconcurrency", 4)
	viper.SetDefault("blocklist.basereplacethreshold", 5000)
	viper.SetDefault("blocklist.taskuserid", 1)

	// MLBF
	viper.SetDefault("mlbf.storagepath", "./storage/mlbf")
	viper.SetDefault("mlbf.retention", 26*7*24*time.Hour)
	viper.SetDefault("mlbf.layercap", 32)
	viper.SetDefault("mlbf.saltbytes", 32)
	viper.SetDefault("mlbf.s3bucket", "")
	viper.SetDefault("mlbf.s3prefix", "mlbf/")
	viper.SetDefault("mlbf.s3region", "")

	// Signing
	viper.SetDefault("signing.url", "")
	viper.SetDefault("signing.token", "")
	viper.SetDefault("signing.keyid", "blocklist")
	viper.SetDefault("signing.timeout", 30*time.Second)

	// Remote settings
	viper.SetDefault("remotesettings.url", "http://localhost:8888/v1/")
	viper.SetDefault("remotesettings.bucket", "staging")
	viper.SetDefault("remotesettings.collection", "addons-bloomfilters")
	viper.SetDefault("remotesettings.user", "")
	viper.SetDefault("remotesettings.password", "")
	viper.SetDefault("remotesettings.timeout", 60*time.Second)

	// Queue
	viper.SetDefault("queue.concurrency", 4)
	viper.SetDefault("queue.maxattempts", 5)
	viper.SetDefault("queue.basebackoff", 10*time.Second)
	viper.SetDefault("queue.maxbackoff", 10*time.Minute)
	viper.SetDefault("queue.jitter", 0.2)
	viper.SetDefault("queue.publishduespec", "@every 1m")
	viper.SetDefault("queue.generatespec", "@every 6h")
	viper.SetDefault("queue.filterjobtimeout", 30*time.Minute)
	viper.SetDefault("queue.metricsport", 9091)
}
