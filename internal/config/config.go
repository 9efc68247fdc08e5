// Package config provides YAML-based configuration management with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration document
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port                 int    `yaml:"port"`
	BindAddress          string `yaml:"bind_address"`
	EnableCORS           bool   `yaml:"enable_cors"`
	AllowOrigins         string `yaml:"allow_origins"`
	ReadTimeout          int    `yaml:"read_timeout_seconds"`
	WriteTimeout         int    `yaml:"write_timeout_seconds"`
	IdleTimeout          int    `yaml:"idle_timeout_seconds"`
	BodyLimit            string `yaml:"body_limit"`
	EnableRequestLogging bool   `yaml:"enable_request_logging"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	RootPath            string `yaml:"root_path"`
	ManifestExtension   string `yaml:"manifest_extension"`
	ArtifactExtension   string `yaml:"artifact_extension"`
	ArtifactFolder      string `yaml:"artifact_folder"`
	DownloadExpiryHours int    `yaml:"download_expiry_hours"`
}

// RetryConfig decides whether a failed background job asks for redelivery.
type RetryConfig struct {
	RetryOnFailure bool `yaml:"retry_on_failure"`
	MaxAttempts    int  `yaml:"max_attempts"`
	BackoffSeconds int  `yaml:"backoff_seconds"`
}

// Backoff returns the delay before a redelivery.
func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds) * time.Second
}

// ProcessingConfig contains background processing settings
type ProcessingConfig struct {
	EnableBackgroundProcessing bool        `yaml:"enable_background_processing"`
	AsyncThresholdMB           int64       `yaml:"async_threshold_mb"`
	CleanupWorkspaceOnFailure  bool        `yaml:"cleanup_workspace_on_failure"`
	MaxConcurrentUploads       int         `yaml:"max_concurrent_uploads"`
	MaxConcurrentDownloads     int         `yaml:"max_concurrent_downloads"`
	SweepIntervalMinutes       int         `yaml:"sweep_interval_minutes"`
	UploadRetry                RetryConfig `yaml:"upload_retry"`
	DownloadRetry              RetryConfig `yaml:"download_retry"`
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	Driver            string `yaml:"driver"`
	DSN               string `yaml:"dsn"`
	DuckDBThreads     int    `yaml:"duckdb_threads"`
	DuckDBMemoryLimit string `yaml:"duckdb_memory_limit"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend                  string `yaml:"backend"`
	DSN                      string `yaml:"dsn"`
	BufferSize               int    `yaml:"buffer_size"`
	PollIntervalMs           int    `yaml:"poll_interval_ms"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"

	QueueMemory   = "memory"
	QueuePostgres = "postgres"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:                 8090,
			BindAddress:          "0.0.0.0",
			EnableCORS:           true,
			AllowOrigins:         "*",
			ReadTimeout:          60,
			WriteTimeout:         300,
			IdleTimeout:          120,
			BodyLimit:            "1G",
			EnableRequestLogging: true,
		},
		Storage: StorageConfig{
			RootPath:            "storage",
			ManifestExtension:   ".xlsx",
			ArtifactExtension:   ".pdf",
			ArtifactFolder:      "pdfs",
			DownloadExpiryHours: 24,
		},
		Processing: ProcessingConfig{
			EnableBackgroundProcessing: true,
			AsyncThresholdMB:           10,
			CleanupWorkspaceOnFailure:  true,
			MaxConcurrentUploads:       2,
			MaxConcurrentDownloads:     2,
			SweepIntervalMinutes:       30,
			UploadRetry:                RetryConfig{RetryOnFailure: false, MaxAttempts: 3, BackoffSeconds: 5},
			DownloadRetry:              RetryConfig{RetryOnFailure: true, MaxAttempts: 3, BackoffSeconds: 5},
		},
		Database: DatabaseConfig{
			Driver:            DriverDuckDB,
			DSN:               "storage/bundles.duckdb",
			DuckDBThreads:     4,
			DuckDBMemoryLimit: "1GB",
		},
		Queue: QueueConfig{
			Backend:                  QueueMemory,
			BufferSize:               256,
			PollIntervalMs:           500,
			VisibilityTimeoutSeconds: 600,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating it with defaults when missing.
// A .env file next to the working directory is loaded first so it can feed the overrides.
func LoadConfig(configPath string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration as YAML
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Bundle ingestion service configuration\n# This file is auto-generated on first run\n\n")
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, append(header, output...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case DriverDuckDB:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Queue.Backend {
	case QueueMemory:
	case QueuePostgres:
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue backend %q requires a dsn", c.Queue.Backend)
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	if c.Processing.AsyncThresholdMB < 0 {
		return fmt.Errorf("async_threshold_mb must not be negative")
	}
	if c.Storage.RootPath == "" {
		return fmt.Errorf("storage root_path is required")
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if root := os.Getenv("STORAGE_ROOT"); root != "" {
		c.Storage.RootPath = root
	}
	if threshold := os.Getenv("ASYNC_THRESHOLD_MB"); threshold != "" {
		if v, err := strconv.ParseInt(threshold, 10, 64); err == nil {
			c.Processing.AsyncThresholdMB = v
		}
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = strings.ToLower(driver)
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		c.Queue.Backend = strings.ToLower(backend)
	}
	if dsn := os.Getenv("QUEUE_DSN"); dsn != "" {
		c.Queue.DSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		c.Logging.File = file
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.RootPath) {
		c.Storage.RootPath = filepath.Join(configDir, c.Storage.RootPath)
	}
	if c.Database.Driver == DriverDuckDB && c.Database.DSN != "" && !filepath.IsAbs(c.Database.DSN) {
		c.Database.DSN = filepath.Join(configDir, c.Database.DSN)
	}
	if c.Logging.File != "" && !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(configDir, c.Logging.File)
	}
}

// DownloadsDir is where export archives are written.
func (c *AppConfig) DownloadsDir() string {
	return filepath.Join(c.Storage.RootPath, "downloads")
}

// DownloadExpiry is how long a produced archive stays retrievable.
func (c *AppConfig) DownloadExpiry() time.Duration {
	return time.Duration(c.Storage.DownloadExpiryHours) * time.Hour
}

// AsyncThresholdBytes is the bundle size at or above which ingestion goes to the background.
func (c *AppConfig) AsyncThresholdBytes() int64 {
	return c.Processing.AsyncThresholdMB * 1024 * 1024
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.RootPath,
		c.DownloadsDir(),
	}
	if c.Database.Driver == DriverDuckDB && c.Database.DSN != "" {
		dirs = append(dirs, filepath.Dir(c.Database.DSN))
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
