package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/chunky/internal/progress"
)

// StoreGCS selects the Cloud Storage JSON API backend.
const StoreGCS = "gcs"

// BucketPlaceholder is replaced by the bucket name in store URL templates.
const BucketPlaceholder = "{bucket}"

// Config defines configuration for the chunky CLI.
type Config struct {
	// Store is "gcs" or a gocloud bucket URL template such as
	// "s3://{bucket}?region=us-east-1".
	Store           string      `yaml:"store"`
	Endpoint        string      `yaml:"endpoint"`
	CredentialsFile string      `yaml:"credentials_file"`
	NoAuth          bool        `yaml:"no_auth"`
	ChunkSize       int64       `yaml:"chunk_size"`
	ContentType     string      `yaml:"content_type"`
	Quiet           bool        `yaml:"quiet"`
	MetricsFile     string      `yaml:"metrics_file"`
	Retry           RetryConfig `yaml:"retry"`
	Log             LogConfig   `yaml:"log"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of consecutive failed attempts without
	// progress tolerated before a transfer is abandoned. Zero disables
	// retries.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the base unit of the randomized exponential backoff.
	Backoff time.Duration `yaml:"backoff"`

	// RequestAttempts bounds retries of metadata requests (session start,
	// stat, delete).
	RequestAttempts int `yaml:"request_attempts"`
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level string `yaml:"level"`
	Mode  string `yaml:"mode"` // "dev" or "json"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Store:     StoreGCS,
		ChunkSize: 2 * 1024 * 1024, // 2MiB
		Retry: RetryConfig{
			MaxRetries:      5,
			Backoff:         time.Second,
			RequestAttempts: 5,
		},
		Log: LogConfig{
			Level: "warn",
			Mode:  "dev",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Store           string          `yaml:"store"`
	Endpoint        string          `yaml:"endpoint"`
	CredentialsFile string          `yaml:"credentials_file"`
	NoAuth          bool            `yaml:"no_auth"`
	ChunkSize       string          `yaml:"chunk_size"`
	ContentType     string          `yaml:"content_type"`
	Quiet           bool            `yaml:"quiet"`
	MetricsFile     string          `yaml:"metrics_file"`
	Retry           yamlRetryConfig `yaml:"retry"`
	Log             LogConfig       `yaml:"log"`
}

type yamlRetryConfig struct {
	MaxRetries      *int   `yaml:"max_retries"`
	Backoff         string `yaml:"backoff"`
	RequestAttempts int    `yaml:"request_attempts"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Store != "" {
		cfg.Store = yc.Store
	}
	if yc.Endpoint != "" {
		cfg.Endpoint = yc.Endpoint
	}
	if yc.CredentialsFile != "" {
		cfg.CredentialsFile = yc.CredentialsFile
	}
	cfg.NoAuth = yc.NoAuth
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if yc.ContentType != "" {
		cfg.ContentType = yc.ContentType
	}
	cfg.Quiet = yc.Quiet
	if yc.MetricsFile != "" {
		cfg.MetricsFile = yc.MetricsFile
	}
	// max_retries: 0 is meaningful, so only an absent key keeps the default.
	if yc.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *yc.Retry.MaxRetries
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.RequestAttempts != 0 {
		cfg.Retry.RequestAttempts = yc.Retry.RequestAttempts
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Mode != "" {
		cfg.Log.Mode = yc.Log.Mode
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CHUNKY_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CHUNKY_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("CHUNKY_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("CHUNKY_CREDENTIALS_FILE"); v != "" {
		c.CredentialsFile = v
	}
	if v := os.Getenv("CHUNKY_NO_AUTH"); v != "" {
		c.NoAuth = v == "true" || v == "1"
	}
	if v := os.Getenv("CHUNKY_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse CHUNKY_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("CHUNKY_CONTENT_TYPE"); v != "" {
		c.ContentType = v
	}
	if v := os.Getenv("CHUNKY_QUIET"); v != "" {
		c.Quiet = v == "true" || v == "1"
	}
	if v := os.Getenv("CHUNKY_METRICS_FILE"); v != "" {
		c.MetricsFile = v
	}
	if v := os.Getenv("CHUNKY_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CHUNKY_MAX_RETRIES: %w", err)
		}
		c.Retry.MaxRetries = n
	}
	if v := os.Getenv("CHUNKY_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse CHUNKY_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("CHUNKY_REQUEST_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse CHUNKY_REQUEST_ATTEMPTS: %w", err)
		}
		c.Retry.RequestAttempts = n
	}
	if v := os.Getenv("CHUNKY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CHUNKY_LOG_MODE"); v != "" {
		c.Log.Mode = v
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store == "" {
		return errors.New("config: store is required")
	}
	if c.Store != StoreGCS {
		if !strings.Contains(c.Store, "://") {
			return fmt.Errorf("config: store must be %q or a bucket URL, got %q", StoreGCS, c.Store)
		}
		if !strings.Contains(c.Store, BucketPlaceholder) {
			return fmt.Errorf("config: store URL must contain %s", BucketPlaceholder)
		}
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("config: retry.max_retries must not be negative")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("config: retry.backoff must not be negative")
	}
	if c.Retry.RequestAttempts < 0 {
		return errors.New("config: retry.request_attempts must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Mode != "" && c.Log.Mode != "dev" && c.Log.Mode != "json" {
		return fmt.Errorf("config: log.mode must be dev or json, got %q", c.Log.Mode)
	}
	return nil
}

// BucketURL expands the store template for bucket.
func (c *Config) BucketURL(bucket string) string {
	return strings.ReplaceAll(c.Store, BucketPlaceholder, bucket)
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, except Retry.MaxRetries where only
// negative values are ignored.
func (c Config) Merge(override Config) Config {
	if override.Store != "" {
		c.Store = override.Store
	}
	if override.Endpoint != "" {
		c.Endpoint = override.Endpoint
	}
	if override.CredentialsFile != "" {
		c.CredentialsFile = override.CredentialsFile
	}
	if override.NoAuth {
		c.NoAuth = override.NoAuth
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.ContentType != "" {
		c.ContentType = override.ContentType
	}
	if override.Quiet {
		c.Quiet = override.Quiet
	}
	if override.MetricsFile != "" {
		c.MetricsFile = override.MetricsFile
	}
	if override.Retry.MaxRetries >= 0 {
		c.Retry.MaxRetries = override.Retry.MaxRetries
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.RequestAttempts != 0 {
		c.Retry.RequestAttempts = override.Retry.RequestAttempts
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Mode != "" {
		c.Log.Mode = override.Log.Mode
	}
	return c
}
