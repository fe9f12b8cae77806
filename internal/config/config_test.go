package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"possync/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: "till-1"
backend:
  url: "https://pos.example.com"
  api_key: "${TEST_POSSYNC_KEY}"
store:
  driver: "file"
  path: "queue.json"
network:
  probe_interval: 7s
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	t.Setenv("TEST_POSSYNC_KEY", "secret")
	t.Setenv("POSSYNC_QUEUE_MAX_SIZE", "4")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Backend.APIKey != "secret" {
		t.Errorf("expected expanded api key, got %q", cfg.Backend.APIKey)
	}
	if cfg.Store.Driver != DriverFile || cfg.Store.Path != "queue.json" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Network.ProbeInterval != 7*time.Second {
		t.Errorf("expected probe interval 7s, got %s", cfg.Network.ProbeInterval)
	}
	if cfg.Queue.MaxSize != 4 {
		t.Errorf("expected env override max_size=4, got %d", cfg.Queue.MaxSize)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() Config {
		cfg := Config{
			Backend: BackendConfig{URL: "http://backend"},
			Store:   StoreConfig{Path: "ops.db"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing backend url", mutate: func(c *Config) { c.Backend.URL = "" }, wantErr: true},
		{name: "grpc without address", mutate: func(c *Config) { c.Backend.Transport = TransportGRPC }, wantErr: true},
		{name: "grpc with address", mutate: func(c *Config) {
			c.Backend.Transport = TransportGRPC
			c.Backend.GRPCAddress = "localhost:9000"
		}},
		{name: "unknown transport", mutate: func(c *Config) { c.Backend.Transport = "smtp" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Path = "" }, wantErr: true},
		{name: "redis without address", mutate: func(c *Config) { c.Store.Driver = DriverRedis }, wantErr: true},
		{name: "redis fallback rejected", mutate: func(c *Config) {
			c.Store.Driver = DriverRedis
			c.Redis.Address = "localhost:6379"
			c.Store.Fallback = DriverRedis
		}, wantErr: true},
		{name: "file fallback without path", mutate: func(c *Config) { c.Store.Fallback = DriverFile }, wantErr: true},
		{name: "negative queue size", mutate: func(c *Config) { c.Queue.MaxSize = -1 }, wantErr: true},
		{name: "error rate above one", mutate: func(c *Config) { c.Network.OfflineErrorRate = 1.5 }, wantErr: true},
		{name: "min samples above window", mutate: func(c *Config) { c.Network.MinSamples = 50 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Queue.MaxSize != models.DefaultMaxQueueSize {
		t.Errorf("expected default max size %d, got %d", models.DefaultMaxQueueSize, cfg.Queue.MaxSize)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("expected sqlite driver by default, got %s", cfg.Store.Driver)
	}
	if cfg.Backend.Transport != TransportHTTP {
		t.Errorf("expected http transport by default, got %s", cfg.Backend.Transport)
	}
	if cfg.Sync.Retry.BackoffFactor != 2 {
		t.Errorf("expected backoff factor 2, got %v", cfg.Sync.Retry.BackoffFactor)
	}
	if cfg.Network.OfflineAfterErrors != 3 {
		t.Errorf("expected offline_after_errors 3, got %d", cfg.Network.OfflineAfterErrors)
	}
	if cfg.API.HTTP.Port != 8080 {
		t.Errorf("expected default http port 8080, got %d", cfg.API.HTTP.Port)
	}
}

func TestAppConfigDevelopment(t *testing.T) {
	if !(AppConfig{Environment: "Development"}).Development() {
		t.Error("expected development environment to be detected")
	}
	if (AppConfig{Environment: "production"}).Development() {
		t.Error("production must not be development")
	}
}
