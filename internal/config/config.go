package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Worker   WorkerConfig   `yaml:"worker"`
	Seed     SeedConfig     `yaml:"seed"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	AdminToken string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains mutation pipeline settings. Strategies maps a record
// kind to a conflict strategy name, overriding DefaultStrategy for that kind.
type SyncConfig struct {
	DefaultStrategy  string            `yaml:"default_strategy"`
	Strategies       map[string]string `yaml:"strategies"`
	MaxPushMutations int               `yaml:"max_push_mutations"`
	PullBatchSize    int               `yaml:"pull_batch_size"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SeedInterval       Duration `yaml:"seed_interval"`
	RetentionInterval  Duration `yaml:"retention_interval"`
	ConflictRetention  Duration `yaml:"conflict_retention"`
	ChangeLogRetention Duration `yaml:"change_log_retention"`
}

// SeedConfig contains seed bundle settings.
type SeedConfig struct {
	Dir string `yaml:"dir"`
}

// ArchiveConfig contains S3-compatible archive upload settings. Leaving
// Endpoint empty disables archival; keys are env-only, never in YAML.
type ArchiveConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	Region        string   `yaml:"region"`
	Bucket        string   `yaml:"bucket"`
	Prefix        string   `yaml:"prefix"`
	UseSSL        bool     `yaml:"use_ssl"`
	PresignExpiry Duration `yaml:"presign_expiry"`
	AccessKey     string   `yaml:"-"` // env-only, never in YAML
	SecretKey     string   `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("SITREP_CONFIG_PATH", "config/sitrep.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabaseConfig loads only the database section (defaults → YAML → env).
// CLI subcommands use this so user management works without the admin token
// or other server-only settings being configured.
func LoadDatabaseConfig() (DatabaseConfig, error) {
	cfg := newDefaults()

	configPath := getEnv("SITREP_CONFIG_PATH", "config/sitrep.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return DatabaseConfig{}, err
	}
	if v := os.Getenv("SITREP_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	return cfg.Database, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/sitrep.db",
		},
		Sync: SyncConfig{
			DefaultStrategy: "last_write_wins",
			Strategies: map[string]string{
				"assessment": "field_merge",
			},
			MaxPushMutations: 500,
			PullBatchSize:    500,
		},
		Worker: WorkerConfig{
			SeedInterval:       Duration(15 * time.Minute),
			RetentionInterval:  Duration(24 * time.Hour),
			ConflictRetention:  Duration(90 * 24 * time.Hour),
			ChangeLogRetention: Duration(30 * 24 * time.Hour),
		},
		Seed: SeedConfig{
			Dir: "data/seeds",
		},
		Archive: ArchiveConfig{
			Region:        "us-east-1",
			Prefix:        "sitrep",
			UseSSL:        true,
			PresignExpiry: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("SITREP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SITREP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SITREP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SITREP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("SITREP_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("SITREP_ADMIN_TOKEN"); v != "" {
		cfg.Auth.AdminToken = v
	}

	// Sync
	if v := os.Getenv("SITREP_SYNC_DEFAULT_STRATEGY"); v != "" {
		cfg.Sync.DefaultStrategy = v
	}
	if v := os.Getenv("SITREP_SYNC_MAX_PUSH_MUTATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxPushMutations = n
		}
	}
	if v := os.Getenv("SITREP_SYNC_PULL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullBatchSize = n
		}
	}

	// Worker
	if v := os.Getenv("SITREP_SEED_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SeedInterval = Duration(d)
		}
	}
	if v := os.Getenv("SITREP_RETENTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.RetentionInterval = Duration(d)
		}
	}
	if v := os.Getenv("SITREP_CONFLICT_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.ConflictRetention = Duration(d)
		}
	}
	if v := os.Getenv("SITREP_CHANGE_LOG_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.ChangeLogRetention = Duration(d)
		}
	}

	// Seed
	if v := os.Getenv("SITREP_SEED_DIR"); v != "" {
		cfg.Seed.Dir = v
	}

	// Archive
	if v := os.Getenv("SITREP_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("SITREP_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("SITREP_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("SITREP_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("SITREP_ARCHIVE_USE_SSL"); v != "" {
		cfg.Archive.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("SITREP_ARCHIVE_PRESIGN_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.PresignExpiry = Duration(d)
		}
	}
	if v := os.Getenv("SITREP_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("SITREP_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	// Log
	if v := os.Getenv("SITREP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SITREP_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SITREP_DEV_MODE=true), admin token validation is skipped.
func (c *Config) validate() error {
	if c.Sync.MaxPushMutations < 1 {
		return errors.New("sync.max_push_mutations must be at least 1")
	}
	if c.Sync.PullBatchSize < 1 {
		return errors.New("sync.pull_batch_size must be at least 1")
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive.endpoint is set")
	}

	// Dev mode bypasses admin token validation
	if os.Getenv("SITREP_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.AdminToken == "" {
		return errors.New("SITREP_ADMIN_TOKEN is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
