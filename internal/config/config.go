// Package config loads the gateway's layered configuration: compiled-in
// defaults, overlaid by an optional YAML file, overlaid by environment
// variables (via envdecode), mirroring the teacher's config layering.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dataspan/gateway/internal/httpapi"
	"github.com/dataspan/gateway/internal/logging"
)

// ServerConfig controls the HTTP transport (internal/httpapi).
type ServerConfig struct {
	Host         string `yaml:"host" env:"SERVER_HOST"`
	Port         int    `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout  int    `yaml:"read_timeout_seconds" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout int    `yaml:"write_timeout_seconds" env:"SERVER_WRITE_TIMEOUT"`
}

// DatabaseConfig addresses the Postgres-backed object/query storage
// handlers (internal/storage/object, internal/storage/query).
type DatabaseConfig struct {
	Driver         string `yaml:"driver" env:"DB_DRIVER"`
	Host           string `yaml:"host" env:"DB_HOST"`
	Port           int    `yaml:"port" env:"DB_PORT"`
	Name           string `yaml:"name" env:"DB_NAME"`
	User           string `yaml:"user" env:"DB_USER"`
	Password       string `yaml:"password" env:"DB_PASSWORD"`
	SSLMode        string `yaml:"ssl_mode" env:"DB_SSL_MODE"`
	MaxOpenConns   int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns   int    `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"DB_MIGRATE_ON_START"`
}

// ConnectionString builds a lib/pq DSN from the config. When Host holds a
// full connection URL (set from DATABASE_URL), that URL is returned as is.
func (d DatabaseConfig) ConnectionString() string {
	if strings.Contains(d.Host, "://") {
		return d.Host
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
	)
}

// RedisConfig addresses the cache storage handler (internal/storage/cache).
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// PerfConfig controls the performance-accounting pipeline (pkg/perf).
type PerfConfig struct {
	SoftCap     int    `yaml:"soft_cap" env:"PERF_SOFT_CAP"`
	ConsumerURI string `yaml:"consumer_uri" env:"PERF_CONSUMER_URI"`
}

// SyncTaskConfig controls the sync task queue/logger (pkg/synctask).
type SyncTaskConfig struct {
	Capacity int    `yaml:"capacity" env:"SYNCTASK_CAPACITY"`
	StoreURI string `yaml:"store_uri" env:"SYNCTASK_STORE_URI"`
}

// SchedulerConfig controls the scheduler bridge (pkg/scheduler).
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" env:"SCHEDULER_ENABLED"`
}

// AuthConfig controls JWT identity extraction in internal/httpapi.
type AuthConfig struct {
	Secret string `yaml:"secret" env:"JWT_SECRET"`
	Expiry int    `yaml:"expiry_seconds" env:"JWT_EXPIRY_SECONDS"`
}

// NamespaceConfig points at the directory of namespace service descriptor
// files the NamespaceRegistry loads at startup (spec.md §4.4).
type NamespaceConfig struct {
	DescriptorDir string   `yaml:"descriptor_dir" env:"NAMESPACE_DESCRIPTOR_DIR"`
	Active        []string `yaml:"active" env:"NAMESPACE_ACTIVE"`
}

// Config is the gateway's top-level configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Redis     RedisConfig             `yaml:"redis"`
	Logging   logging.Config          `yaml:"logging"`
	Perf      PerfConfig              `yaml:"perf"`
	SyncTask  SyncTaskConfig          `yaml:"synctask"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Namespace NamespaceConfig         `yaml:"namespace"`
	Auth      AuthConfig              `yaml:"auth"`
	RateLimit httpapi.RateLimitConfig `yaml:"rate_limit"`
}

// New returns a Config populated with workable defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15,
			WriteTimeout: 15,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			Name:           "gateway",
			SSLMode:        "disable",
			MaxOpenConns:   25,
			MaxIdleConns:   5,
			MigrateOnStart: true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Perf: PerfConfig{
			SoftCap: 100000,
		},
		SyncTask: SyncTaskConfig{
			Capacity: 0,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Namespace: NamespaceConfig{
			DescriptorDir: "configs/namespaces",
		},
		Auth: AuthConfig{
			Expiry: 24 * 3600,
		},
		RateLimit: httpapi.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file (CONFIG_FILE
// env var or configs/config.yaml), and environment variable overrides, in
// that order. A .env file in the working directory is loaded first if
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil && !isNoTargetFieldsErr(err) {
		return nil, fmt.Errorf("config: decoding environment: %w", err)
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile builds a Config from defaults plus the given YAML file only
// (no environment overlay); used by tests and offline tooling.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolving path %q: %w", path, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %q: %w", abs, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %q: %w", abs, err)
	}
	return nil
}

// applyDatabaseURLOverride lets a single DATABASE_URL env var stand in for
// the individual DB_* fields, matching the common deployment convention.
func applyDatabaseURLOverride(cfg *Config) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return
	}
	cfg.Database.Driver = "postgres"
	cfg.Database.Host = url
}

func isNoTargetFieldsErr(err error) bool {
	return strings.Contains(err.Error(), "no target fields were set")
}
