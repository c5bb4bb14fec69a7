// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Model      ModelConfig      `mapstructure:"model"`
	Health     HealthConfig     `mapstructure:"health"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Peers      []PeerConfig     `mapstructure:"peers"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

type ServerConfig struct {
	Name         string `mapstructure:"name"`
	Port         string `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type ModelConfig struct {
	Name             string `mapstructure:"name"`
	CachePath        string `mapstructure:"cache_path"`
	RegistryURL      string `mapstructure:"registry_url"`
	ForceDownload    bool   `mapstructure:"force_download"`
	HeartbeatSeconds int    `mapstructure:"heartbeat_seconds"`
}

type HealthConfig struct {
	CacheTTLSeconds      int `mapstructure:"cache_ttl_seconds"`
	CheckTimeoutSeconds  int `mapstructure:"check_timeout_seconds"`
	ProbeIntervalSeconds int `mapstructure:"probe_interval_seconds"`
}

// DatabaseConfig describes the optional metadata store. When disabled,
// no database dependency check is registered.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig describes the optional feature cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PeerConfig describes one sibling service reached through a resilient
// client.
type PeerConfig struct {
	Name                       string               `mapstructure:"name"`
	BaseURL                    string               `mapstructure:"base_url"`
	TimeoutSeconds             int                  `mapstructure:"timeout_seconds"`
	HealthCheckIntervalSeconds int                  `mapstructure:"health_check_interval_seconds"`
	StartupGraceSeconds        int                  `mapstructure:"startup_grace_seconds"`
	MaxRetries                 int                  `mapstructure:"max_retries"`
	RetryBaseDelayMs           int                  `mapstructure:"retry_base_delay_ms"`
	CircuitBreaker             CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold   int `mapstructure:"failure_threshold"`
	SuccessThreshold   int `mapstructure:"success_threshold"`
	BaseTimeoutSeconds int `mapstructure:"base_timeout_seconds"`
	MaxTimeoutSeconds  int `mapstructure:"max_timeout_seconds"`
}

type MiddlewareConfig struct {
	RateLimit      int      `mapstructure:"rate_limit"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetDefault("server.name", "modelserve")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 10)
	viper.SetDefault("server.write_timeout", 10)
	viper.SetDefault("model.name", "model")
	viper.SetDefault("model.cache_path", "models/model.json")
	viper.SetDefault("model.force_download", false)
	viper.SetDefault("model.heartbeat_seconds", 15)
	viper.SetDefault("health.cache_ttl_seconds", 10)
	viper.SetDefault("health.check_timeout_seconds", 2)
	viper.SetDefault("health.probe_interval_seconds", 15)
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("middleware.rate_limit", 100)
	viper.SetDefault("middleware.rate_limit_burst", 1000)
	viper.SetDefault("middleware.enable_cors", true)
	viper.SetDefault("middleware.allowed_origins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Scalar overrides such as MODELSERVE_MODEL_FORCE_DOWNLOAD=true come
	// from the environment.
	viper.SetEnvPrefix("modelserve")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// GetDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// Addr returns the Redis address in host:port form.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Seconds converts a whole-second config value to a duration, with def
// used when the value is unset.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
