// Package config provides configuration loading for the ledger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SecretsConfig holds the bootstrap secret backend configuration.
type SecretsConfig struct {
	Address  string        `mapstructure:"address"`
	Token    string        `mapstructure:"token"`
	Mount    string        `mapstructure:"mount"`
	Region   string        `mapstructure:"region"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LedgerConfig holds registry and signing behaviour knobs.
type LedgerConfig struct {
	Debug               bool          `mapstructure:"debug"`
	BootstrapTSWindow   time.Duration `mapstructure:"bootstrap_ts_window"`
	InstanceTSWindow    time.Duration `mapstructure:"instance_ts_window"`
	PrevKeyTTL          time.Duration `mapstructure:"prev_key_ttl"`
	FanoutTimeout       time.Duration `mapstructure:"fanout_timeout"`
	DefaultHeartbeatSec int           `mapstructure:"default_heartbeat_sec"`
	LeaseTTLMultiplier  int           `mapstructure:"lease_ttl_multiplier"`
	MaxConsecutiveMiss  int           `mapstructure:"max_consecutive_miss"`
	SweeperInterval     time.Duration `mapstructure:"sweeper_interval"`
	NonceGCInterval     time.Duration `mapstructure:"nonce_gc_interval"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/flume-ledger")

	// Enable environment variable override
	v.SetEnvPrefix("FLUME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Explicitly bind secret backend environment variables (nested struct issue with viper)
	v.BindEnv("secrets.address", "FLUME_SECRETS_ADDRESS")
	v.BindEnv("secrets.token", "FLUME_SECRETS_TOKEN")
	v.BindEnv("secrets.mount", "FLUME_SECRETS_MOUNT")
	v.BindEnv("secrets.region", "MS_REGION")

	v.BindEnv("ledger.debug", "DEBUG")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "flume")
	v.SetDefault("database.password", "flume")
	v.SetDefault("database.database", "flume_ledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Secret backend defaults
	v.SetDefault("secrets.address", "http://localhost:8200")
	v.SetDefault("secrets.mount", "secret")
	v.SetDefault("secrets.region", "eu-central-1")
	v.SetDefault("secrets.cache_ttl", "5m")

	// Ledger defaults
	v.SetDefault("ledger.debug", false)
	v.SetDefault("ledger.bootstrap_ts_window", "60s")
	v.SetDefault("ledger.instance_ts_window", "300s")
	v.SetDefault("ledger.prev_key_ttl", "300s")
	v.SetDefault("ledger.fanout_timeout", "10s")
	v.SetDefault("ledger.default_heartbeat_sec", 10)
	v.SetDefault("ledger.lease_ttl_multiplier", 3)
	v.SetDefault("ledger.max_consecutive_miss", 3)
	v.SetDefault("ledger.sweeper_interval", "30s")
	v.SetDefault("ledger.nonce_gc_interval", "5m")
}
