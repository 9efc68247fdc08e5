package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config should be written")

	assert.Equal(t, filepath.Join(dir, "storage"), cfg.Storage.RootPath)
	assert.Equal(t, int64(10), cfg.Processing.AsyncThresholdMB)
	assert.True(t, cfg.Processing.EnableBackgroundProcessing)
	assert.True(t, cfg.Processing.CleanupWorkspaceOnFailure)
	assert.False(t, cfg.Processing.UploadRetry.RetryOnFailure)
	assert.True(t, cfg.Processing.DownloadRetry.RetryOnFailure)
	assert.Equal(t, 24*time.Hour, cfg.DownloadExpiry())
	assert.Equal(t, filepath.Join(dir, "storage", "downloads"), cfg.DownloadsDir())
}

func TestLoadConfig_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  root_path: /srv/bundles
processing:
  async_threshold_mb: 3
  enable_background_processing: false
  upload_retry:
    retry_on_failure: true
    max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/bundles", cfg.Storage.RootPath)
	assert.Equal(t, int64(3), cfg.Processing.AsyncThresholdMB)
	assert.Equal(t, int64(3*1024*1024), cfg.AsyncThresholdBytes())
	assert.False(t, cfg.Processing.EnableBackgroundProcessing)
	assert.True(t, cfg.Processing.UploadRetry.RetryOnFailure)
	assert.Equal(t, 5, cfg.Processing.UploadRetry.MaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, ".pdf", cfg.Storage.ArtifactExtension)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORT", "9100")
	t.Setenv("STORAGE_ROOT", "data")
	t.Setenv("ASYNC_THRESHOLD_MB", "0")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.RootPath)
	assert.Equal(t, int64(0), cfg.Processing.AsyncThresholdMB)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{name: "defaults", mutate: func(*AppConfig) {}},
		{
			name:    "unknown driver",
			mutate:  func(c *AppConfig) { c.Database.Driver = "oracle" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "postgres queue without dsn",
			mutate:  func(c *AppConfig) { c.Queue.Backend = QueuePostgres },
			wantErr: "requires a dsn",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *AppConfig) { c.Processing.AsyncThresholdMB = -1 },
			wantErr: "must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.RootPath = filepath.Join(t.TempDir(), "root")
	cfg.Database.DSN = filepath.Join(cfg.Storage.RootPath, "db", "bundles.duckdb")

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.Storage.RootPath, cfg.DownloadsDir(), filepath.Dir(cfg.Database.DSN)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestNewFanoutLogger(t *testing.T) {
	var text, jsonOut bytes.Buffer
	logger := newFanoutLogger(&text, &jsonOut, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job created", "job_id", "abc")

	assert.NotContains(t, text.String(), "hidden")
	assert.Contains(t, text.String(), "job_id=abc")
	assert.True(t, strings.Contains(jsonOut.String(), `"job_id":"abc"`))
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	logger, closeLog := SetupLogger(LoggingConfig{Level: "debug", File: path})
	logger.Debug("sweep finished", "expired", 2)
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"sweep finished"`)
	assert.Contains(t, string(data), `"expired":2`)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("nonsense"))
}
