package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"possync/internal/models"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. POSSYNC_BACKEND_URL.
const EnvPrefix = "POSSYNC_"

type Config struct {
	App        AppConfig        `yaml:"app" envPrefix:"APP_"`
	Backend    BackendConfig    `yaml:"backend" envPrefix:"BACKEND_"`
	Store      StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	Network    NetworkConfig    `yaml:"network" envPrefix:"NETWORK_"`
	Sync       SyncConfig       `yaml:"sync" envPrefix:"SYNC_"`
	API        APIConfig        `yaml:"api" envPrefix:"API_"`
	Monitoring MonitoringConfig `yaml:"monitoring" envPrefix:"MONITORING_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
}

type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Environment string `yaml:"environment" env:"ENV"`
	Version     string `yaml:"version"`
}

// Development reports whether programming errors should fail loudly.
func (a AppConfig) Development() bool {
	env := strings.ToLower(strings.TrimSpace(a.Environment))
	return env == "development" || env == "dev"
}

type BackendConfig struct {
	Transport       string           `yaml:"transport" env:"TRANSPORT"`
	URL             string           `yaml:"url" env:"URL"`
	GRPCAddress     string           `yaml:"grpc_address" env:"GRPC_ADDRESS"`
	APIKey          string           `yaml:"api_key" env:"API_KEY"`
	APIExtra        string           `yaml:"api_extra" env:"API_EXTRA"`
	Timeout         time.Duration    `yaml:"timeout" env:"TIMEOUT"`
	HealthPath      string           `yaml:"health_path"`
	InvoiceCacheTTL time.Duration    `yaml:"invoice_cache_ttl"`
	TLS             BackendTLSConfig `yaml:"tls"`
}

type BackendTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

type StoreConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Path            string        `yaml:"path" env:"PATH"`
	RedisKey        string        `yaml:"redis_key"`
	Fallback        string        `yaml:"fallback" env:"FALLBACK"`
	FallbackPath    string        `yaml:"fallback_path"`
	FailoverRecheck time.Duration `yaml:"failover_recheck"`
}

type RedisConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QueueConfig struct {
	MaxSize     int `yaml:"max_size" env:"MAX_SIZE"`
	MaxAttempts int `yaml:"max_attempts"`
}

type NetworkConfig struct {
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	OfflineProbeInterval time.Duration `yaml:"offline_probe_interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	ErrorWindow          int           `yaml:"error_window"`
	MinSamples           int           `yaml:"min_samples"`
	OfflineAfterErrors   int           `yaml:"offline_after_errors"`
	OfflineErrorRate     float64       `yaml:"offline_error_rate"`
	CheckLink            bool          `yaml:"check_link" env:"CHECK_LINK"`
}

type SyncConfig struct {
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	Retry            RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" env:"PORT"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
	PrometheusPort    int  `yaml:"prometheus_port" env:"PROMETHEUS_PORT"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`
	Format   string `yaml:"format" env:"FORMAT"`
	Output   string `yaml:"output" env:"OUTPUT"`
	FilePath string `yaml:"file_path" env:"FILE_PATH"`
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Backend transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Backend.Transport {
	case TransportHTTP:
		if c.Backend.URL == "" {
			return errors.New("backend url is required for http transport")
		}
	case TransportGRPC:
		if c.Backend.GRPCAddress == "" {
			return errors.New("backend grpc_address is required for grpc transport")
		}
	default:
		return fmt.Errorf("unknown backend transport %q", c.Backend.Transport)
	}

	if err := validateDriver(c.Store.Driver, c.Store.Path, c.Redis); err != nil {
		return err
	}
	if c.Store.Fallback != "" {
		if c.Store.Fallback == DriverRedis {
			return errors.New("store fallback cannot be redis")
		}
		if err := validateDriver(c.Store.Fallback, c.Store.FallbackPath, c.Redis); err != nil {
			return fmt.Errorf("store fallback: %w", err)
		}
	}

	if c.Queue.MaxSize <= 0 {
		return errors.New("queue max_size must be positive")
	}
	if c.Network.OfflineErrorRate <= 0 || c.Network.OfflineErrorRate > 1 {
		return fmt.Errorf("network offline_error_rate must be in (0,1], got %v", c.Network.OfflineErrorRate)
	}
	if c.Network.MinSamples > c.Network.ErrorWindow {
		return errors.New("network min_samples cannot exceed error_window")
	}

	return nil
}

func validateDriver(driver, path string, redisCfg RedisConfig) error {
	switch driver {
	case DriverSQLite, DriverFile:
		if path == "" {
			return fmt.Errorf("store path is required for %s driver", driver)
		}
	case DriverRedis:
		if redisCfg.Address == "" {
			return errors.New("redis address is required for redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "possync"
	}
	if c.App.Environment == "" {
		c.App.Environment = "production"
	}

	if c.Backend.Transport == "" {
		c.Backend.Transport = TransportHTTP
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.HealthPath == "" {
		c.Backend.HealthPath = "/healthz"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.RedisKey == "" {
		c.Store.RedisKey = "possync:operations"
	}
	if c.Store.FailoverRecheck == 0 {
		c.Store.FailoverRecheck = time.Minute
	}

	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = models.DefaultMaxQueueSize
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = models.DefaultMaxAttempts
	}

	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = 5 * time.Second
	}
	if c.Network.OfflineProbeInterval == 0 {
		c.Network.OfflineProbeInterval = 2 * time.Second
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = 3 * time.Second
	}
	if c.Network.ErrorWindow == 0 {
		c.Network.ErrorWindow = 20
	}
	if c.Network.MinSamples == 0 {
		c.Network.MinSamples = 5
	}
	if c.Network.OfflineAfterErrors == 0 {
		c.Network.OfflineAfterErrors = 3
	}
	if c.Network.OfflineErrorRate == 0 {
		c.Network.OfflineErrorRate = 0.5
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.ExecutionTimeout == 0 {
		c.Sync.ExecutionTimeout = 15 * time.Second
	}
	if c.Sync.Retry.InitialDelay == 0 {
		c.Sync.Retry.InitialDelay = 2 * time.Second
	}
	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Sync.Retry.BackoffFactor == 0 {
		c.Sync.Retry.BackoffFactor = 2
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
