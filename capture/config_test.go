package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, defaultAPIURL, cfg.APIURL)
	assert.Equal(t, LevelSampled, cfg.Level)
	assert.Equal(t, defaultMaxSize, cfg.MaxSize)
	assert.Equal(t, defaultBatchSize, cfg.BatchSize)
	assert.Equal(t, defaultFlushInterval, cfg.FlushInterval)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, defaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, defaultRetryDelay, cfg.RetryDelay)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("INGESTION_URL", "http://collector:9999")
	t.Setenv("CAPTURE_LEVEL", "full")
	t.Setenv("BUFFER_MAX_SIZE", "250")
	t.Setenv("BUFFER_BATCH_SIZE", "25")
	t.Setenv("BUFFER_FLUSH_MS", "750")
	t.Setenv("TRANSPORT_TIMEOUT_MS", "1500")
	t.Setenv("TRANSPORT_MAX_RETRIES", "7")
	t.Setenv("TRANSPORT_RETRY_DELAY_MS", "100")

	cfg := LoadConfig()

	assert.Equal(t, "http://collector:9999", cfg.APIURL)
	assert.Equal(t, LevelFull, cfg.Level)
	assert.Equal(t, 250, cfg.MaxSize)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 750*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryDelay)
}

func TestLoadConfigInvalidLevelIgnored(t *testing.T) {
	t.Setenv("CAPTURE_LEVEL", "everything")

	cfg := LoadConfig()
	assert.Equal(t, LevelSampled, cfg.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sievetrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingestion_url: http://file-collector:8081
capture_level: metrics_only
buffer:
  max_size: 500
  batch_size: 50
  flush_ms: 2000
transport:
  timeout_ms: 3000
  max_retries: 2
  retry_delay_ms: 250
`), 0o600))

	t.Setenv("SIEVETRACE_CONFIG_FILE", path)

	cfg := LoadConfig()

	assert.Equal(t, "http://file-collector:8081", cfg.APIURL)
	assert.Equal(t, LevelMetricsOnly, cfg.Level)
	assert.Equal(t, 500, cfg.MaxSize)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sievetrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingestion_url: http://file-collector:8081
capture_level: metrics_only
`), 0o600))

	t.Setenv("SIEVETRACE_CONFIG_FILE", path)
	t.Setenv("INGESTION_URL", "http://env-collector:8082")
	t.Setenv("CAPTURE_LEVEL", "full")

	cfg := LoadConfig()

	assert.Equal(t, "http://env-collector:8082", cfg.APIURL)
	assert.Equal(t, LevelFull, cfg.Level)
}

func TestLoadConfigMissingFileFallsThrough(t *testing.T) {
	t.Setenv("SIEVETRACE_CONFIG_FILE", "/nonexistent/sievetrace.yaml")

	cfg := LoadConfig()
	assert.Equal(t, defaultAPIURL, cfg.APIURL)
}

func TestConfigNormalize(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	assert.Equal(t, defaultAPIURL, cfg.APIURL)
	assert.Equal(t, LevelSampled, cfg.Level)
	assert.NotNil(t, cfg.Observer)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigNormalizeCapsBatchAtMaxSize(t *testing.T) {
	cfg := &Config{MaxSize: 10, BatchSize: 100}
	cfg.normalize()

	assert.Equal(t, 10, cfg.BatchSize)
}

func TestLevelIsValid(t *testing.T) {
	assert.True(t, LevelMetricsOnly.IsValid())
	assert.True(t, LevelSampled.IsValid())
	assert.True(t, LevelFull.IsValid())
	assert.False(t, Level("verbose").IsValid())
	assert.False(t, Level("").IsValid())
}
