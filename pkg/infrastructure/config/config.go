// Package config holds all vidproof configuration: a JSON file with
// environment variable overrides and validation at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all vidproof configuration.
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server"`

	// Job/stage/file persistence
	Database DatabaseConfig `json:"database"`

	// Local artifact storage and upload limits
	Storage StorageConfig `json:"storage"`

	// Optional S3-compatible object store mirror
	Remote RemoteConfig `json:"remote"`

	// Webhook delivery
	Webhook WebhookConfig `json:"webhook"`

	// Pipeline execution
	Pipeline PipelineConfig `json:"pipeline"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	// BaseURL is used when composing server-relative artifact URLs; when
	// empty it is inferred from the request.
	BaseURL string `json:"base_url,omitempty"`
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL selects
// the embedded in-memory store (single-process development mode).
type DatabaseConfig struct {
	URL            string `json:"url"`
	MaxConnections int32  `json:"max_connections"`
	ConnectTimeout int    `json:"connect_timeout_seconds"`
	MigrationsPath string `json:"migrations_path"`
}

// StorageConfig holds the local blob store root and upload limits.
type StorageConfig struct {
	Root        string `json:"root"`
	MaxFileSize int64  `json:"max_file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	// UploadMaxAge bounds how long an unfinished chunked upload survives
	// before the sweeper reclaims it. Hours; 0 disables sweeping.
	UploadMaxAge int `json:"upload_max_age_hours"`
}

// RemoteConfig holds S3-compatible object store settings. Disabled unless
// Enabled is set and the endpoint, bucket and credentials are present.
type RemoteConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	// MultipartThreshold selects multipart upload for larger objects.
	MultipartThreshold int64 `json:"multipart_threshold"`
}

// WebhookConfig holds delivery settings for progress webhooks.
type WebhookConfig struct {
	TimeoutSeconds int `json:"timeout_seconds"`
	RetryAttempts  int `json:"retry_attempts"`
}

// PipelineConfig holds executor settings.
type PipelineConfig struct {
	// WorkerPoolSize is the number of jobs processed concurrently.
	WorkerPoolSize int `json:"worker_pool_size"`
	// EncoderPath is the external re-encoder binary used by the cleaning
	// stage; cleaning is skipped when the binary is missing.
	EncoderPath string `json:"encoder_path"`
	// ProbePath is the container metadata prober.
	ProbePath string `json:"probe_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // console, json
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Database: DatabaseConfig{
			URL:            "",
			MaxConnections: 10,
			ConnectTimeout: 30,
			MigrationsPath: "file://migrations",
		},
		Storage: StorageConfig{
			Root:         "/var/lib/vidproof",
			MaxFileSize:  10 << 30, // 10 GiB
			ChunkSize:    5 << 20,  // 5 MiB
			UploadMaxAge: 24,
		},
		Remote: RemoteConfig{
			Enabled:            false,
			Region:             "us-east-1",
			KeyPrefix:          "vidproof",
			MultipartThreshold: 5 << 20,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 10,
			RetryAttempts:  3,
		},
		Pipeline: PipelineConfig{
			WorkerPoolSize: 2,
			EncoderPath:    "/usr/bin/ffmpeg",
			ProbePath:      "/usr/bin/ffprobe",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from file with environment variable
// overrides, then validates it.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a JSON file. A missing file is not
// an error; defaults apply.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies environment variable overrides.
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("VIDPROOF_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("VIDPROOF_BASE_URL"); val != "" {
		c.Server.BaseURL = val
	}

	if val := os.Getenv("VIDPROOF_DATABASE_URL"); val != "" {
		c.Database.URL = val
	}
	if val := os.Getenv("VIDPROOF_MIGRATIONS_PATH"); val != "" {
		c.Database.MigrationsPath = val
	}

	if val := os.Getenv("VIDPROOF_STORAGE_ROOT"); val != "" {
		c.Storage.Root = val
	}
	if val := os.Getenv("VIDPROOF_MAX_FILE_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Storage.MaxFileSize = size
		}
	}
	if val := os.Getenv("VIDPROOF_CHUNK_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Storage.ChunkSize = size
		}
	}

	if val := os.Getenv("VIDPROOF_REMOTE_ENABLED"); val != "" {
		c.Remote.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("VIDPROOF_REMOTE_ENDPOINT"); val != "" {
		c.Remote.Endpoint = val
	}
	if val := os.Getenv("VIDPROOF_REMOTE_BUCKET"); val != "" {
		c.Remote.Bucket = val
	}
	if val := os.Getenv("VIDPROOF_REMOTE_REGION"); val != "" {
		c.Remote.Region = val
	}
	if val := os.Getenv("VIDPROOF_REMOTE_KEY"); val != "" {
		c.Remote.AccessKey = val
	}
	if val := os.Getenv("VIDPROOF_REMOTE_SECRET"); val != "" {
		c.Remote.SecretKey = val
	}
	if val := os.Getenv("VIDPROOF_REMOTE_PREFIX"); val != "" {
		c.Remote.KeyPrefix = val
	}

	if val := os.Getenv("VIDPROOF_WEBHOOK_TIMEOUT"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.Webhook.TimeoutSeconds = secs
		}
	}
	if val := os.Getenv("VIDPROOF_WEBHOOK_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Webhook.RetryAttempts = n
		}
	}

	if val := os.Getenv("VIDPROOF_WORKER_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pipeline.WorkerPoolSize = n
		}
	}
	if val := os.Getenv("VIDPROOF_ENCODER_PATH"); val != "" {
		c.Pipeline.EncoderPath = val
	}
	if val := os.Getenv("VIDPROOF_PROBE_PATH"); val != "" {
		c.Pipeline.ProbePath = val
	}

	if val := os.Getenv("VIDPROOF_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("VIDPROOF_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Storage.ChunkSize <= 0 {
		return fmt.Errorf("storage.chunk_size must be positive, got %d", c.Storage.ChunkSize)
	}
	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be positive, got %d", c.Storage.MaxFileSize)
	}
	if c.Storage.ChunkSize > c.Storage.MaxFileSize {
		return fmt.Errorf("storage.chunk_size (%d) exceeds storage.max_file_size (%d)",
			c.Storage.ChunkSize, c.Storage.MaxFileSize)
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook.timeout_seconds must be positive, got %d", c.Webhook.TimeoutSeconds)
	}
	if c.Webhook.RetryAttempts < 1 {
		return fmt.Errorf("webhook.retry_attempts must be at least 1, got %d", c.Webhook.RetryAttempts)
	}
	if c.Pipeline.WorkerPoolSize < 1 {
		return fmt.Errorf("pipeline.worker_pool_size must be at least 1, got %d", c.Pipeline.WorkerPoolSize)
	}
	if c.Remote.Enabled {
		if c.Remote.Endpoint == "" || c.Remote.Bucket == "" {
			return fmt.Errorf("remote storage enabled but endpoint or bucket missing")
		}
		if c.Remote.AccessKey == "" || c.Remote.SecretKey == "" {
			return fmt.Errorf("remote storage enabled but credentials missing")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// WebhookTimeout returns the webhook request timeout as a duration.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutSeconds) * time.Second
}

// DatabaseConnectTimeout returns the connect timeout as a duration.
func (c *Config) DatabaseConnectTimeout() time.Duration {
	return time.Duration(c.Database.ConnectTimeout) * time.Second
}

// UploadMaxAge returns the upload sweep age as a duration; zero disables.
func (c *Config) UploadMaxAge() time.Duration {
	return time.Duration(c.Storage.UploadMaxAge) * time.Hour
}
