package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Redis      RedisConfig      `mapstructure:"redis"`
	DynamoDB   DynamoDBConfig   `mapstructure:"dynamodb"`
	Store      StoreConfig      `mapstructure:"store"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
}

type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	SecretKey      string `mapstructure:"secret_key"`
	UpstreamTarget string `mapstructure:"upstream_target"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// StoreConfig tunes the counter store and, critically, the behavior when it
// is unreachable. FallbackPolicy must be "fail_closed" or "fail_open";
// failing closed is the default so a store outage never silently lifts
// tenant isolation.
type StoreConfig struct {
	Backend             string `mapstructure:"backend"` // redis | dynamodb | memory
	OperationTimeoutMS  int    `mapstructure:"operation_timeout_ms"`
	TTLGraceSeconds     int    `mapstructure:"ttl_grace_seconds"`
	BreakerMaxFailures  uint32 `mapstructure:"breaker_max_failures"`
	BreakerResetSeconds int    `mapstructure:"breaker_reset_seconds"`
	FallbackPolicy      string `mapstructure:"fallback_policy"`
}

func (s StoreConfig) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutMS) * time.Millisecond
}

func (s StoreConfig) TTLGrace() time.Duration {
	return time.Duration(s.TTLGraceSeconds) * time.Second
}

func (s StoreConfig) BreakerReset() time.Duration {
	return time.Duration(s.BreakerResetSeconds) * time.Second
}

// RateLimitsConfig overlays per-tier per-category limits onto the built-in
// quota table. The tree shape is tiers.<tier>.<category>.{limit,window_seconds}.
type RateLimitsConfig struct {
	Tiers map[string]map[string]interface{} `mapstructure:"tiers"`
}

var globalConfig Config

func Load(configPath string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No file is fine; environment variables still apply.
	}

	setDefaultValues()

	if err := viper.Unmarshal(&globalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

func setDefaultValues() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("dynamodb.table", "sync-rate-limits")
	viper.SetDefault("store.backend", "redis")
	viper.SetDefault("store.operation_timeout_ms", 500)
	viper.SetDefault("store.ttl_grace_seconds", 60)
	viper.SetDefault("store.breaker_max_failures", 5)
	viper.SetDefault("store.breaker_reset_seconds", 30)
	viper.SetDefault("store.fallback_policy", "fail_closed")
}

func GetConfig() *Config {
	return &globalConfig
}
